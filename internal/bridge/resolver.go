package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/espbridge/internal/device"
)

// Resolve finds the device a payload refers to. Fields are tried in a fixed
// order and the first unambiguous hit wins:
//
//  1. MAC within the account (several matches fall through)
//  2. token, only when no MAC was supplied (several matches fall through)
//  3. esp_id, unless the device holds a different MAC
//  4. numeric id within the account
//  5. IP within the account, only when no MAC was supplied
//  6. name within the account, case-insensitive, unless the device holds
//     a different MAC
//
// It returns device.ErrDeviceNotFound when nothing matches.
func (e *Engine) Resolve(ctx context.Context, payload map[string]any) (*device.Device, error) {
	return e.resolve(ctx, identify(payload))
}

func (e *Engine) resolve(ctx context.Context, id identity) (*device.Device, error) {
	acct := e.cfg.AccountID

	if id.MAC != "" {
		devs, err := e.devices.Find(ctx, device.Filter{AccountID: acct, MAC: id.MAC})
		if err != nil {
			return nil, fmt.Errorf("resolving by mac: %w", err)
		}
		if len(devs) == 1 {
			return &devs[0], nil
		}
		if len(devs) > 1 {
			e.logger.Warn("ambiguous mac match", "mac", id.MAC, "matches", len(devs))
		}
	}

	if id.MAC == "" && id.Token != "" {
		devs, err := e.devices.Find(ctx, device.Filter{Token: id.Token})
		if err != nil {
			return nil, fmt.Errorf("resolving by token: %w", err)
		}
		if len(devs) == 1 {
			return &devs[0], nil
		}
		if len(devs) > 1 {
			e.logger.Warn("token shared by several devices", "matches", len(devs))
		}
	}

	if id.ESPID != "" {
		devs, err := e.devices.Find(ctx, device.Filter{ESPID: id.ESPID, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("resolving by esp_id: %w", err)
		}
		if len(devs) == 1 && !devs[0].MACConflicts(id.MAC) {
			return &devs[0], nil
		}
	}

	if id.ID != 0 {
		dev, err := e.devices.GetByID(ctx, id.ID)
		switch {
		case err == nil && dev.AccountID == acct:
			return dev, nil
		case err != nil && !errors.Is(err, device.ErrDeviceNotFound):
			return nil, fmt.Errorf("resolving by id: %w", err)
		}
	}

	if id.MAC == "" && id.IP != "" {
		devs, err := e.devices.Find(ctx, device.Filter{AccountID: acct, IP: id.IP, Limit: 1})
		if err != nil {
			return nil, fmt.Errorf("resolving by ip: %w", err)
		}
		if len(devs) == 1 {
			return &devs[0], nil
		}
	}

	if id.Name != "" {
		devs, err := e.devices.Find(ctx, device.Filter{AccountID: acct, Name: id.Name})
		if err != nil {
			return nil, fmt.Errorf("resolving by name: %w", err)
		}
		for i := range devs {
			if !devs[i].MACConflicts(id.MAC) {
				return &devs[i], nil
			}
		}
	}

	return nil, device.ErrDeviceNotFound
}

// resolveOrCreate resolves the payload's device, falling back to the
// account's placeholder and finally to a new placeholder. With
// allowPlaceholder false a miss returns ErrNoDevice.
//
// Two first-contact messages for the same sensor racing each other can
// still produce two placeholders; reusing the existing placeholder narrows
// the window but does not close it.
func (e *Engine) resolveOrCreate(ctx context.Context, id identity, allowPlaceholder bool) (*device.Device, error) {
	dev, err := e.resolve(ctx, id)
	if err == nil {
		return dev, nil
	}
	if !errors.Is(err, device.ErrDeviceNotFound) {
		return nil, err
	}
	if !allowPlaceholder {
		return nil, ErrNoDevice
	}

	placeholders, err := e.devices.Find(ctx, device.Filter{AccountID: e.cfg.AccountID, ESPID: device.UnknownESPID})
	if err != nil {
		return nil, fmt.Errorf("finding placeholder: %w", err)
	}
	for i := range placeholders {
		if !placeholders[i].MACConflicts(id.MAC) {
			return &placeholders[i], nil
		}
	}

	dev = &device.Device{
		AccountID: e.cfg.AccountID,
		Name:      id.Name,
		ESPID:     id.ESPID,
		MAC:       id.MAC,
		IP:        id.IP,
		Active:    true,
	}
	if dev.Name == "" {
		dev.Name = device.PlaceholderName
	}
	if dev.ESPID == "" {
		dev.ESPID = device.UnknownESPID
	}

	err = e.devices.Create(ctx, dev)
	if errors.Is(err, device.ErrDeviceExists) {
		// Either another message won the race on this esp_id, or the holder
		// has a different MAC and this sensor cannot claim it.
		if found, rerr := e.resolve(ctx, id); rerr == nil {
			return found, nil
		}
		dev.ESPID = device.UnknownESPID
		err = e.devices.Create(ctx, dev)
	}
	if err != nil {
		return nil, fmt.Errorf("creating placeholder device: %w", err)
	}

	e.logger.Info("placeholder device created",
		"device_id", dev.ID, "esp_id", dev.ESPID, "mac", dev.MAC)
	return dev, nil
}

// touch refreshes a device from a message: addresses, a placeholder name,
// the liveness flag and the last-seen time, saved together.
func (e *Engine) touch(ctx context.Context, dev *device.Device, id identity, when time.Time, active bool) error {
	if id.IP != "" {
		dev.IP = id.IP
	}
	if id.MAC != "" {
		dev.MAC = id.MAC
	}
	if id.Name != "" && dev.HasPlaceholderName() {
		dev.Name = id.Name
	}
	dev.Active = active

	seen := when.UTC()
	dev.Profile.LastSeen = &seen

	if err := e.devices.Save(ctx, dev); err != nil {
		return fmt.Errorf("saving device %d: %w", dev.ID, err)
	}
	return nil
}
