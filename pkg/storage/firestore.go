package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/raterudder/chargerudder/pkg/log"
	"github.com/raterudder/chargerudder/pkg/telemetry"
	"github.com/raterudder/chargerudder/pkg/types"
)

const (
	pricesCollection = "prices"
	usersCollection  = "users"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Price series are stored as JSON blobs keyed by zone and users
// as native documents so single fields can be updated.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// the project ID can be detected from the environment
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) users() *firestore.CollectionRef {
	return f.client.Collection(usersCollection)
}

func (f *FirestoreProvider) userDoc(userID string) (*firestore.DocumentRef, error) {
	if userID == "" {
		return nil, fmt.Errorf("userID cannot be empty")
	}
	return f.users().Doc(userID), nil
}

func userFromDoc(doc *firestore.DocumentSnapshot) (types.User, error) {
	var user types.User
	if err := doc.DataTo(&user); err != nil {
		return types.User{}, fmt.Errorf("failed to decode user %s: %w", doc.Ref.ID, err)
	}
	user.ID = doc.Ref.ID
	return user, nil
}

// PutPriceSeries overwrites the "prices/{zone}" document.
func (f *FirestoreProvider) PutPriceSeries(ctx context.Context, series types.PriceSeries) error {
	if series.Zone == "" {
		return fmt.Errorf("zone cannot be empty")
	}
	jsonBytes, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("failed to marshal price series: %w", err)
	}
	_, err = f.client.Collection(pricesCollection).Doc(series.Zone).Set(ctx, map[string]interface{}{
		"json":        string(jsonBytes),
		"lastUpdated": series.LastUpdated,
	})
	if err != nil {
		return fmt.Errorf("failed to put price series %s: %w", series.Zone, err)
	}
	return nil
}

// GetPriceSeries reads the "prices/{zone}" document.
func (f *FirestoreProvider) GetPriceSeries(ctx context.Context, zone string) (types.PriceSeries, error) {
	if zone == "" {
		return types.PriceSeries{}, fmt.Errorf("zone cannot be empty")
	}
	doc, err := f.client.Collection(pricesCollection).Doc(zone).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.PriceSeries{}, fmt.Errorf("%w: %s", ErrPriceSeriesNotFound, zone)
		}
		return types.PriceSeries{}, fmt.Errorf("failed to get price series %s: %w", zone, err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "price series doc missing json", slog.String("zone", zone))
		return types.PriceSeries{}, fmt.Errorf("price series %s missing json: %w", zone, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "price series doc json not string", slog.String("zone", zone))
		return types.PriceSeries{}, fmt.Errorf("price series %s json not string", zone)
	}

	var series types.PriceSeries
	if err := json.Unmarshal([]byte(jsonStr), &series); err != nil {
		return types.PriceSeries{}, fmt.Errorf("failed to unmarshal price series %s: %w", zone, err)
	}
	return series, nil
}

// GetUser retrieves a user from the "users" collection.
func (f *FirestoreProvider) GetUser(ctx context.Context, userID string) (types.User, error) {
	ref, err := f.userDoc(userID)
	if err != nil {
		return types.User{}, err
	}
	doc, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.User{}, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return types.User{}, fmt.Errorf("failed to get user %s: %w", userID, err)
	}
	return userFromDoc(doc)
}

// ListUsersByZone returns every user priced in zone.
func (f *FirestoreProvider) ListUsersByZone(ctx context.Context, zone string) ([]types.User, error) {
	iter := f.users().Where("zone", "==", zone).Documents(ctx)
	defer iter.Stop()

	var users []types.User
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating users: %w", err)
		}
		user, err := userFromDoc(doc)
		if err != nil {
			// one broken document must not hide the rest of the zone
			log.Ctx(ctx).WarnContext(ctx, "skipping undecodable user", slog.String("userID", doc.Ref.ID), slog.Any("error", err))
			continue
		}
		users = append(users, user)
	}
	return users, nil
}

// SetSettings merges the user-authored settings fields and the zone.
func (f *FirestoreProvider) SetSettings(ctx context.Context, userID string, zone string, settings types.ChargingSettings) error {
	ref, err := f.userDoc(userID)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, map[string]interface{}{
		"zone": zone,
		"settings": map[string]interface{}{
			"chargingDurationHours":     settings.ChargingDurationHours,
			"emergencyThresholdPercent": settings.EmergencyThresholdPercent,
			"targetBatteryPercent":      settings.TargetBatteryPercent,
		},
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to set settings for %s: %w", userID, err)
	}
	return nil
}

// SetOptimalStartHours writes settings.optimalStartHour for each user with a
// BulkWriter.
func (f *FirestoreProvider) SetOptimalStartHours(ctx context.Context, updates []WindowUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	bw := f.client.BulkWriter(ctx)

	type pending struct {
		userID string
		job    *firestore.BulkWriterJob
	}
	jobs := make([]pending, 0, len(updates))
	var errs []error
	for _, u := range updates {
		ref, err := f.userDoc(u.UserID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		job, err := bw.Update(ref, []firestore.Update{
			{Path: "settings.optimalStartHour", Value: u.StartHour},
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to enqueue window for %s: %w", u.UserID, err))
			continue
		}
		jobs = append(jobs, pending{userID: u.UserID, job: job})
	}
	bw.End()

	for _, p := range jobs {
		if _, err := p.job.Results(); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to write optimal window", slog.String("userID", p.userID), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("failed to write window for %s: %w", p.userID, err))
		}
	}
	return errors.Join(errs...)
}

// SetRefreshCredential merges the encrypted credential (and vin) into the
// user document, creating it if needed.
func (f *FirestoreProvider) SetRefreshCredential(ctx context.Context, userID string, encrypted []byte, vin string) error {
	ref, err := f.userDoc(userID)
	if err != nil {
		return err
	}
	data := map[string]interface{}{}
	if encrypted != nil {
		data["refreshCredential"] = encrypted
	}
	if vin != "" {
		data["vehicle"] = map[string]interface{}{"vin": vin}
	}
	if len(data) == 0 {
		return nil
	}
	if _, err := ref.Set(ctx, data, firestore.MergeAll); err != nil {
		return fmt.Errorf("failed to set refresh credential for %s: %w", userID, err)
	}
	return nil
}

// UpdateVehicle finds the user owning vin and replaces its vehicle state
// inside a transaction.
func (f *FirestoreProvider) UpdateVehicle(ctx context.Context, vin string, fn func(user types.User) (types.VehicleState, error)) (types.User, error) {
	if vin == "" {
		return types.User{}, fmt.Errorf("vin cannot be empty")
	}
	q := f.users().Where("vehicle.vin", "==", vin).Limit(1)

	var result types.User
	err := f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		docs, err := tx.Documents(q).GetAll()
		if err != nil {
			return fmt.Errorf("failed to query vehicle: %w", err)
		}
		if len(docs) == 0 {
			return fmt.Errorf("%w: %s", telemetry.ErrUnknownVehicle, vin)
		}
		user, err := userFromDoc(docs[0])
		if err != nil {
			return err
		}
		next, err := fn(user)
		if err != nil {
			return err
		}
		if err := tx.Update(docs[0].Ref, []firestore.Update{{Path: "vehicle", Value: next}}); err != nil {
			return err
		}
		user.Vehicle = next
		result = user
		return nil
	})
	if err != nil {
		return types.User{}, err
	}
	return result, nil
}

// RecordDecision sets lastDecision and finishes a pending evaluation.
func (f *FirestoreProvider) RecordDecision(ctx context.Context, userID string, record types.DecisionRecord) error {
	ref, err := f.userDoc(userID)
	if err != nil {
		return err
	}
	err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
			}
			return err
		}
		user, err := userFromDoc(doc)
		if err != nil {
			return err
		}
		updates := []firestore.Update{{Path: "lastDecision", Value: record}}
		if next := telemetry.Evaluated(user.Vehicle); next.Phase != user.Vehicle.Phase {
			updates = append(updates, firestore.Update{Path: "vehicle.phase", Value: next.Phase})
		}
		return tx.Update(ref, updates)
	})
	if err != nil {
		return fmt.Errorf("failed to record decision for %s: %w", userID, err)
	}
	return nil
}

// SetChargeOverride sets or clears the override flag of an existing user.
func (f *FirestoreProvider) SetChargeOverride(ctx context.Context, userID string, override bool) error {
	ref, err := f.userDoc(userID)
	if err != nil {
		return err
	}
	_, err = ref.Update(ctx, []firestore.Update{{Path: "chargeOverride", Value: override}})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
		}
		return fmt.Errorf("failed to set override for %s: %w", userID, err)
	}
	return nil
}

// ConsumeOverride reads and clears chargeOverride in one transaction so two
// concurrent consumers cannot both observe it set.
func (f *FirestoreProvider) ConsumeOverride(ctx context.Context, userID string) (types.User, bool, error) {
	ref, err := f.userDoc(userID)
	if err != nil {
		return types.User{}, false, err
	}

	var (
		user     types.User
		consumed bool
	)
	err = f.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		consumed = false
		doc, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: %s", ErrUserNotFound, userID)
			}
			return err
		}
		user, err = userFromDoc(doc)
		if err != nil {
			return err
		}
		if !user.ChargeOverride {
			return nil
		}
		if err := tx.Update(ref, []firestore.Update{{Path: "chargeOverride", Value: false}}); err != nil {
			return err
		}
		user.ChargeOverride = false
		consumed = true
		return nil
	})
	if err != nil {
		return types.User{}, false, fmt.Errorf("failed to consume override for %s: %w", userID, err)
	}
	return user, consumed, nil
}

func (f *FirestoreProvider) overrideQuery() firestore.Query {
	return f.users().Where("chargeOverride", "==", true)
}

// ListOverrideUserIDs returns the users whose override flag is set.
func (f *FirestoreProvider) ListOverrideUserIDs(ctx context.Context) ([]string, error) {
	iter := f.overrideQuery().Documents(ctx)
	defer iter.Stop()

	var ids []string
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating overrides: %w", err)
		}
		ids = append(ids, doc.Ref.ID)
	}
	return ids, nil
}

// WatchOverrides listens to the override query and calls fn for each user
// that enters it. It returns nil once ctx is done.
func (f *FirestoreProvider) WatchOverrides(ctx context.Context, fn func(ctx context.Context, userID string)) error {
	iter := f.overrideQuery().Snapshots(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			return fmt.Errorf("override snapshot failed: %w", err)
		}
		for _, change := range snap.Changes {
			if change.Kind != firestore.DocumentAdded {
				continue
			}
			log.Ctx(ctx).DebugContext(
				ctx,
				"override observed",
				slog.String("userID", change.Doc.Ref.ID),
				slog.Time("readTime", snap.ReadTime),
			)
			fn(ctx, change.Doc.Ref.ID)
		}
	}
}

var _ Database = (*FirestoreProvider)(nil)
