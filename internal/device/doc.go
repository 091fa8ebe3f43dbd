// Package device stores the ESP sensors known to the bridge.
//
// A device row carries the account that owns it, a display name, the
// external esp_id reported by the firmware, and the last known MAC and IP.
// Two 1:1 rows hang off it: the authentication token issued at
// registration, and a network profile recording when the device was last
// heard from.
//
// Devices are created either by a successful registration handshake or as
// placeholders (name "ESP32", esp_id "unknown") when a message arrives that
// matches no known device.
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	devs, err := repo.Find(ctx, device.Filter{AccountID: 1, MAC: "aa:bb:cc:dd:ee:ff"})
//
// MAC addresses are stored in upper-case colon form; NormalizeMAC converts
// the other common notations.
package device
