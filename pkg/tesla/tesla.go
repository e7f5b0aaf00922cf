// Package tesla talks to the Tesla Fleet API.
package tesla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/levenlabs/go-lflag"
	"golang.org/x/oauth2"

	"github.com/raterudder/chargerudder/pkg/common"
	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/types"
)

const (
	CommandChargeStart = "charge_start"
	CommandChargeStop  = "charge_stop"
)

var (
	// ErrInvalidCredential means the token endpoint rejected the credential.
	ErrInvalidCredential = errors.New("invalid credential")
	// ErrUnauthorized means the API rejected the access credential.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrVehicleNotFound means the vehicle is not on the account.
	ErrVehicleNotFound = errors.New("vehicle not found")
)

// APIError is a non-successful response from the Fleet API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("tesla api status %d", e.StatusCode)
	}
	return fmt.Sprintf("tesla api status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed if retried. 408 is
// returned while the vehicle is asleep or offline.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests
}

// Token is the result of a credential exchange.
type Token struct {
	Access  types.AccessCredential
	Refresh types.RefreshCredential
	Expiry  time.Time
}

// Vehicle is a vehicle on the account.
type Vehicle struct {
	ID          int64  `json:"id"`
	VIN         string `json:"vin"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`
}

// VehicleData is the subset of vehicle_data we care about.
type VehicleData struct {
	VIN           string
	ChargingState string
	BatteryLevel  int
	ChargeLimit   int
}

// Client implements API against the Fleet API.
type Client struct {
	client *http.Client
	apiURL string
	oauth  *oauth2.Config
}

// Configured sets up flags for the Fleet API client and returns it.
func Configured() *Client {
	c := &Client{
		client: common.HTTPClient(time.Minute),
		oauth:  &oauth2.Config{},
	}
	clientID := lflag.String("tesla-client-id", "", "OAuth client ID of the Tesla developer application")
	clientSecret := lflag.String("tesla-client-secret", "", "OAuth client secret of the Tesla developer application")
	redirectURL := lflag.String("tesla-redirect-url", "", "OAuth redirect URL registered for the Tesla developer application")
	authURL := lflag.String("tesla-auth-url", "https://auth.tesla.com/oauth2/v3/authorize", "Tesla OAuth authorize URL")
	tokenURL := lflag.String("tesla-token-url", "https://auth.tesla.com/oauth2/v3/token", "Tesla OAuth token URL")
	apiURL := lflag.String("tesla-api-url", "https://fleet-api.prd.na.vn.cloud.tesla.com", "Tesla Fleet API base URL (or a vehicle-command proxy)")

	lflag.Do(func() {
		c.apiURL = *apiURL
		c.oauth = &oauth2.Config{
			ClientID:     *clientID,
			ClientSecret: *clientSecret,
			RedirectURL:  *redirectURL,
			Scopes:       []string{"openid", "offline_access", "vehicle_device_data", "vehicle_charging_cmds"},
			Endpoint: oauth2.Endpoint{
				AuthURL:   *authURL,
				TokenURL:  *tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
	})
	return c
}

// Validate ensures the configuration is valid.
func (c *Client) Validate() error {
	if c.oauth.ClientID == "" {
		return errors.New("tesla-client-id is required")
	}
	if c.apiURL == "" {
		return errors.New("tesla-api-url is required")
	}
	if _, err := url.Parse(c.apiURL); err != nil {
		return fmt.Errorf("failed to parse tesla api url (%s): %w", c.apiURL, err)
	}
	return nil
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return common.OAuth2Context(ctx, c.client)
}

// ExchangeRefresh implements API.
func (c *Client) ExchangeRefresh(ctx context.Context, refresh types.RefreshCredential) (Token, error) {
	if refresh == "" {
		return Token{}, fmt.Errorf("%w: empty refresh credential", ErrInvalidCredential)
	}
	// no access token so the source always refreshes
	src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: string(refresh)})
	tok, err := src.Token()
	if err != nil {
		return Token{}, c.tokenError(ctx, "refresh", err)
	}
	return toToken(tok, refresh), nil
}

// ExchangeAuthCode implements API.
func (c *Client) ExchangeAuthCode(ctx context.Context, code string) (Token, error) {
	if code == "" {
		return Token{}, fmt.Errorf("%w: empty authorization code", ErrInvalidCredential)
	}
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code, oauth2.SetAuthURLParam("audience", c.apiURL))
	if err != nil {
		return Token{}, c.tokenError(ctx, "authorization_code", err)
	}
	if tok.RefreshToken == "" {
		return Token{}, fmt.Errorf("%w: no refresh token granted", ErrInvalidCredential)
	}
	return toToken(tok, ""), nil
}

func toToken(tok *oauth2.Token, previous types.RefreshCredential) Token {
	t := Token{
		Access:  types.AccessCredential(tok.AccessToken),
		Refresh: types.RefreshCredential(tok.RefreshToken),
		Expiry:  tok.Expiry,
	}
	if t.Refresh == "" {
		t.Refresh = previous
	}
	return t
}

// tokenError classifies a token endpoint failure. A 4xx response means the
// credential itself is bad; anything else is left as a transport error.
func (c *Client) tokenError(ctx context.Context, grant string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		log.Ctx(ctx).WarnContext(
			ctx,
			"tesla token exchange rejected",
			slog.String("grant", grant),
			slog.Int("status", re.Response.StatusCode),
			slog.String("errorCode", re.ErrorCode),
		)
		if re.Response.StatusCode >= 400 && re.Response.StatusCode < 500 {
			return fmt.Errorf("%w: %s", ErrInvalidCredential, re.ErrorCode)
		}
		return &APIError{StatusCode: re.Response.StatusCode, Message: re.ErrorCode}
	}
	log.Ctx(ctx).ErrorContext(ctx, "tesla token exchange failed", slog.String("grant", grant), slog.Any("error", err))
	return fmt.Errorf("token exchange failed: %w", err)
}

type apiResponse struct {
	Response         json.RawMessage `json:"response"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func (c *Client) newRequest(ctx context.Context, method string, access types.AccessCredential, endpoint string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, err
	}
	u.Path, err = url.JoinPath(u.Path, endpoint)
	if err != nil {
		return nil, err
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+string(access))
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	ctx := req.Context()
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var ar apiResponse
	// error bodies are not always JSON
	_ = json.Unmarshal(body, &ar)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrVehicleNotFound
	case resp.StatusCode != http.StatusOK:
		log.Ctx(ctx).WarnContext(
			ctx,
			"tesla api error",
			slog.Int("status", resp.StatusCode),
			slog.String("error", ar.Error),
			slog.String("path", req.URL.Path),
		)
		return &APIError{StatusCode: resp.StatusCode, Message: ar.Error}
	}

	if dest == nil {
		return nil
	}
	if len(ar.Response) == 0 {
		return errors.New("tesla api returned no response")
	}
	if err := json.Unmarshal(ar.Response, dest); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode tesla response", slog.Any("error", err))
		return fmt.Errorf("failed to decode tesla response: %w", err)
	}
	return nil
}

// ListVehicles implements API.
func (c *Client) ListVehicles(ctx context.Context, access types.AccessCredential) ([]Vehicle, error) {
	req, err := c.newRequest(ctx, "GET", access, "api/1/vehicles", nil)
	if err != nil {
		return nil, err
	}
	var vehicles []Vehicle
	if err := c.doRequest(req, &vehicles); err != nil {
		return nil, fmt.Errorf("list vehicles failed: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "listed tesla vehicles", slog.Int("count", len(vehicles)))
	return vehicles, nil
}

type vehicleDataResult struct {
	VIN         string `json:"vin"`
	ChargeState struct {
		ChargingState  string `json:"charging_state"`
		BatteryLevel   int    `json:"battery_level"`
		ChargeLimitSOC int    `json:"charge_limit_soc"`
	} `json:"charge_state"`
}

// GetVehicleData implements API.
func (c *Client) GetVehicleData(ctx context.Context, access types.AccessCredential, vin string) (VehicleData, error) {
	params := url.Values{}
	params.Set("endpoints", "charge_state")
	req, err := c.newRequest(ctx, "GET", access, "api/1/vehicles/"+url.PathEscape(vin)+"/vehicle_data", params)
	if err != nil {
		return VehicleData{}, err
	}
	var res vehicleDataResult
	if err := c.doRequest(req, &res); err != nil {
		return VehicleData{}, fmt.Errorf("vehicle_data failed: %w", err)
	}
	if res.VIN == "" {
		res.VIN = vin
	}
	log.Ctx(ctx).DebugContext(
		ctx,
		"tesla vehicle data",
		slog.String("vin", res.VIN),
		slog.String("chargingState", res.ChargeState.ChargingState),
		slog.Int("batteryLevel", res.ChargeState.BatteryLevel),
	)
	return VehicleData{
		VIN:           res.VIN,
		ChargingState: res.ChargeState.ChargingState,
		BatteryLevel:  res.ChargeState.BatteryLevel,
		ChargeLimit:   res.ChargeState.ChargeLimitSOC,
	}, nil
}

type commandResult struct {
	Result bool   `json:"result"`
	Reason string `json:"reason"`
}

// SendCommand implements API. A command that is already satisfied, like
// charge_start while charging, is not an error.
func (c *Client) SendCommand(ctx context.Context, access types.AccessCredential, vin string, command string) error {
	req, err := c.newRequest(ctx, "POST", access, "api/1/vehicles/"+url.PathEscape(vin)+"/command/"+command, nil)
	if err != nil {
		return err
	}
	var res commandResult
	if err := c.doRequest(req, &res); err != nil {
		return fmt.Errorf("%s failed: %w", command, err)
	}
	if !res.Result {
		switch res.Reason {
		case "is_charging", "not_charging", "complete":
			log.Ctx(ctx).InfoContext(ctx, "tesla command already satisfied", slog.String("command", command), slog.String("reason", res.Reason))
			return nil
		}
		return fmt.Errorf("%s rejected: %s", command, res.Reason)
	}
	log.Ctx(ctx).InfoContext(ctx, "tesla command sent", slog.String("vin", vin), slog.String("command", command))
	return nil
}
