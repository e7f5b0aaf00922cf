// Package dispatch turns a charging decision into a remote vehicle command.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/levenlabs/go-lflag"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/tesla"
	"github.com/raterudder/chargerudder/pkg/types"
)

var (
	// ErrCredentialExchangeFailed means the refresh credential could not be
	// exchanged for an access credential. Users see this as a disconnected
	// account.
	ErrCredentialExchangeFailed = errors.New("credential exchange failed")
	// ErrDispatchTimeout means a remote call did not finish in time.
	ErrDispatchTimeout = errors.New("dispatch timeout")
	// ErrDispatchFailed means the command could not be delivered.
	ErrDispatchFailed = errors.New("dispatch failed")
)

// API is the part of the vehicle API the dispatcher needs.
type API interface {
	ExchangeRefresh(ctx context.Context, refresh types.RefreshCredential) (tesla.Token, error)
	SendCommand(ctx context.Context, access types.AccessCredential, vin string, command string) error
}

// Result describes a delivered command.
type Result struct {
	Command string
	// Refresh is the refresh credential to keep. It differs from the one
	// passed in when the exchange rotated it.
	Refresh  types.RefreshCredential
	Attempts int
}

// Dispatcher sends decisions to vehicles.
type Dispatcher struct {
	api        API
	timeout    time.Duration
	maxRetries uint64
	newBackOff func() backoff.BackOff
}

// New returns a Dispatcher that bounds every remote call by timeout and
// retries transport failures up to maxRetries times.
func New(api API, timeout time.Duration, maxRetries uint64) *Dispatcher {
	return &Dispatcher{
		api:        api,
		timeout:    timeout,
		maxRetries: maxRetries,
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 500 * time.Millisecond
			bo.MaxInterval = 5 * time.Second
			bo.MaxElapsedTime = time.Minute
			return bo
		},
	}
}

// Configured sets up flags for the dispatcher and returns it.
func Configured(api API) *Dispatcher {
	d := New(api, 15*time.Second, 3)
	timeout := lflag.Duration("dispatch-timeout", 15*time.Second, "Timeout for each credential exchange or vehicle command call")
	maxRetries := lflag.Int("dispatch-max-retries", 3, "Retries of a vehicle call after a transport failure")

	lflag.Do(func() {
		d.timeout = *timeout
		if *maxRetries < 0 {
			panic("dispatch-max-retries must not be negative")
		}
		d.maxRetries = uint64(*maxRetries)
	})
	return d
}

// Command maps an action to the remote command identifier.
func Command(action types.Action) (string, error) {
	switch action {
	case types.ActionStart:
		return tesla.CommandChargeStart, nil
	case types.ActionStop:
		return tesla.CommandChargeStop, nil
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}

// Dispatch exchanges refresh for a fresh access credential and sends the
// command for action to vin. The access credential is never reused.
func (d *Dispatcher) Dispatch(ctx context.Context, refresh types.RefreshCredential, vin string, action types.Action) (Result, error) {
	command, err := Command(action)
	if err != nil {
		return Result{}, err
	}
	if vin == "" {
		return Result{}, fmt.Errorf("%w: missing vin", ErrDispatchFailed)
	}
	res := Result{Command: command, Refresh: refresh}

	var tok tesla.Token
	err = d.retry(ctx, &res, "exchange", func(ctx context.Context) error {
		var err error
		tok, err = d.api.ExchangeRefresh(ctx, refresh)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDispatchTimeout) {
			return res, fmt.Errorf("%w: %w", ErrCredentialExchangeFailed, err)
		}
		return res, fmt.Errorf("%w: %v", ErrCredentialExchangeFailed, err)
	}
	if tok.Refresh != "" {
		res.Refresh = tok.Refresh
	}

	err = d.retry(ctx, &res, command, func(ctx context.Context) error {
		return d.api.SendCommand(ctx, tok.Access, vin, command)
	})
	if err != nil {
		if errors.Is(err, ErrDispatchTimeout) {
			return res, err
		}
		return res, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}

	log.Ctx(ctx).InfoContext(
		ctx,
		"dispatched charging command",
		slog.String("vin", vin),
		slog.String("command", command),
		slog.Int("attempts", res.Attempts),
	)
	return res, nil
}

func (d *Dispatcher) retry(ctx context.Context, res *Result, op string, fn func(ctx context.Context) error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), d.maxRetries), ctx)
	err := backoff.RetryNotify(
		func() error {
			res.Attempts++
			callCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			err := fn(callCtx)
			if err != nil && !retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		},
		bo,
		func(err error, wait time.Duration) {
			log.Ctx(ctx).WarnContext(
				ctx,
				"retrying vehicle call",
				slog.String("op", op),
				slog.Duration("wait", wait),
				slog.Any("error", err),
			)
		},
	)
	if err == nil {
		return nil
	}
	log.Ctx(ctx).ErrorContext(ctx, "vehicle call failed", slog.String("op", op), slog.Any("error", err))
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrDispatchTimeout, op, err)
	}
	return err
}

// retryable reports whether err is a transport failure worth retrying.
// Rejected credentials and 4xx responses are permanent.
func retryable(err error) bool {
	if errors.Is(err, tesla.ErrInvalidCredential) ||
		errors.Is(err, tesla.ErrUnauthorized) ||
		errors.Is(err, tesla.ErrVehicleNotFound) ||
		errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *tesla.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
