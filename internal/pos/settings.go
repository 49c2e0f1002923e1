package pos

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/possync/internal/model"
)

// Settings returns the store settings, or the defaults before any are saved.
func (s *Service) Settings(ctx context.Context) (model.StoreSettings, error) {
	settings := model.DefaultSettings()
	rec, err := s.get(ctx, model.Settings, model.SettingsID)
	if errors.Is(err, model.ErrNotFound) {
		return settings, nil
	}
	if err != nil {
		return settings, err
	}
	if err := model.Decode(rec, &settings); err != nil {
		return model.DefaultSettings(), err
	}
	return settings, nil
}

// UpdateSettings saves the business settings. The device's offline mode is
// kept as is; use SetOfflineMode to change it.
func (s *Service) UpdateSettings(ctx context.Context, in model.StoreSettings) (model.Record, error) {
	if in.TaxRate < 0 || in.TaxRate > 1 {
		return nil, fmt.Errorf("%w: tax rate %v outside 0..1", ErrInvalid, in.TaxRate)
	}
	in.BusinessName = strings.TrimSpace(in.BusinessName)
	if in.Currency == "" {
		in.Currency = model.DefaultSettings().Currency
	}
	current, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}
	in.ID = model.SettingsID
	in.OfflineMode = current.OfflineMode

	rec, err := model.Encode(in)
	if err != nil {
		return nil, err
	}
	return s.save(ctx, model.Settings, rec)
}

// SetOfflineMode switches the device's offline mode. While it is on nothing
// is pushed; switching it off replays the queue right away when the engine
// is online.
func (s *Service) SetOfflineMode(ctx context.Context, on bool) error {
	rec, err := s.get(ctx, model.Settings, model.SettingsID)
	if errors.Is(err, model.ErrNotFound) {
		if rec, err = model.Encode(model.DefaultSettings()); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	rec["offline_mode"] = on
	if _, err := s.local.Put(ctx, model.Settings, rec); err != nil {
		return model.NewLocalStoreError("put settings", err)
	}
	s.logger.Info("offline mode changed", "offline_mode", on)

	if on || s.engine.Offline() {
		return nil
	}
	if _, err := s.engine.DrainRetryQueue(ctx); err != nil && !model.IsConnectivity(err) {
		return err
	}
	return nil
}
