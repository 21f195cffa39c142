package twofactor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/virtuenet/UpCoach-sub002/internal/auth/audit"
	"github.com/virtuenet/UpCoach-sub002/internal/auth/storage"
)

// DeviceFingerprint derives a stable digest from normalized client
// attributes. The same device must always produce the same value, so the
// input excludes anything that churns between sessions.
func DeviceFingerprint(userAgent, ip, extra string) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(userAgent)),
		strings.TrimSpace(ip),
		strings.ToLower(strings.TrimSpace(extra)),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// AddTrustedDevice marks the fingerprint as exempt from second-factor
// prompts for this user.
func (s *Service) AddTrustedDevice(ctx context.Context, userID, name, fingerprint string) (storage.TrustedDevice, error) {
	if fingerprint == "" {
		return storage.TrustedDevice{}, fmt.Errorf("fingerprint is required")
	}
	deviceID, err := s.idGenerator()
	if err != nil {
		return storage.TrustedDevice{}, fmt.Errorf("generate device id: %w", err)
	}

	now := s.clock().UTC()
	device := storage.TrustedDevice{
		ID:          deviceID,
		UserID:      userID,
		Fingerprint: fingerprint,
		Name:        strings.TrimSpace(name),
		CreatedAt:   now,
		LastSeenAt:  now,
	}
	if err := s.store.PutTrustedDevice(ctx, device); err != nil {
		return storage.TrustedDevice{}, fmt.Errorf("persist trusted device: %w", err)
	}
	s.recorder.Record(ctx, audit.Entry{
		UserID: userID,
		Type:   audit.EventTrustedDeviceAdded,
		Detail: map[string]string{"device_name": device.Name},
	})
	return device, nil
}

// IsDeviceTrusted reports whether the fingerprint is trusted, refreshing
// its last-seen time on a hit.
func (s *Service) IsDeviceTrusted(ctx context.Context, userID, fingerprint string) (bool, error) {
	device, err := s.store.GetTrustedDeviceByFingerprint(ctx, userID, fingerprint)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load trusted device: %w", err)
	}

	device.LastSeenAt = s.clock().UTC()
	if err := s.store.PutTrustedDevice(ctx, device); err != nil {
		return true, nil
	}
	return true, nil
}

// ListTrustedDevices returns the user's trusted devices.
func (s *Service) ListTrustedDevices(ctx context.Context, userID string) ([]storage.TrustedDevice, error) {
	return s.store.ListTrustedDevices(ctx, userID)
}

// RemoveTrustedDevice revokes one trusted device.
func (s *Service) RemoveTrustedDevice(ctx context.Context, userID, deviceID string) error {
	if err := s.store.DeleteTrustedDevice(ctx, userID, deviceID); err != nil {
		return err
	}
	s.recorder.Record(ctx, audit.Entry{
		UserID: userID,
		Type:   audit.EventTrustedDeviceRemoved,
		Detail: map[string]string{"device_id": deviceID},
	})
	return nil
}
