package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/espbridge/internal/infrastructure/database"
	_ "github.com/nerrad567/espbridge/migrations"
)

// setupTestDB opens an in-memory database with the full bridge schema.
func setupTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.Open(database.Config{Path: database.MemoryPath, BusyTimeout: 1})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

func addAccount(t *testing.T, db *database.DB, id int64) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		"INSERT INTO accounts (id, name, created_at) VALUES (?, ?, ?)",
		id, "acct", time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		t.Fatalf("inserting account %d: %v", id, err)
	}
}

func createDevice(t *testing.T, repo *SQLiteRepository, dev Device) *Device {
	t.Helper()
	if dev.AccountID == 0 {
		dev.AccountID = 1
	}
	if err := repo.Create(context.Background(), &dev); err != nil {
		t.Fatalf("Create(%+v) error = %v", dev, err)
	}
	return &dev
}

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"aa:bb:cc:dd:ee:ff", "AA:BB:CC:DD:EE:FF"},
		{"AA-BB-CC-DD-EE-FF", "AA:BB:CC:DD:EE:FF"},
		{"aabb.ccdd.eeff", "AA:BB:CC:DD:EE:FF"},
		{"aabbccddeeff", "AA:BB:CC:DD:EE:FF"},
		{"  aa:bb:cc:dd:ee:ff ", "AA:BB:CC:DD:EE:FF"},
		{"", ""},
		{"not-a-mac", ""},
		{"zzbbccddeeff", ""},
		{"00:00:00:00:fe:80:00:00:00:00:00:00:02:00:5e:10:00:00:00:01", ""},
	}

	for _, tt := range tests {
		if got := NormalizeMAC(tt.in); got != tt.want {
			t.Errorf("NormalizeMAC(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDevice_Helpers(t *testing.T) {
	d := &Device{Name: "ESP32", ESPID: UnknownESPID, MAC: "AA:BB:CC:DD:EE:FF"}

	if !d.IsPlaceholder() {
		t.Error("IsPlaceholder() = false, want true")
	}
	if !d.HasPlaceholderName() {
		t.Error("HasPlaceholderName() = false, want true")
	}
	if d.HasToken() {
		t.Error("HasToken() = true, want false")
	}
	if d.MACConflicts("aa-bb-cc-dd-ee-ff") {
		t.Error("MACConflicts(same mac) = true, want false")
	}
	if !d.MACConflicts("11:22:33:44:55:66") {
		t.Error("MACConflicts(other mac) = false, want true")
	}
	if d.MACConflicts("") {
		t.Error("MACConflicts(\"\") = true, want false")
	}

	named := &Device{Name: "Garage sensor"}
	if named.HasPlaceholderName() {
		t.Error("HasPlaceholderName() = true for a real name")
	}
}

func TestCreateAndGetByID(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	dev := createDevice(t, repo, Device{
		Name:    "Lobby",
		ESPID:   "esp-001",
		MAC:     "aa:bb:cc:dd:ee:ff",
		IP:      "10.0.0.20",
		Token:   "tok123",
		Active:  true,
		Profile: NetworkProfile{LastSeen: &seen, WiFiLastResult: "ok"},
	})

	if dev.ID == 0 {
		t.Fatal("Create() did not set ID")
	}

	got, err := repo.GetByID(context.Background(), dev.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}

	if got.MAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("MAC = %q, want normalised AA:BB:CC:DD:EE:FF", got.MAC)
	}
	if got.Token != "tok123" {
		t.Errorf("Token = %q, want tok123", got.Token)
	}
	if !got.Active {
		t.Error("Active = false, want true")
	}
	if got.Profile.LastSeen == nil || !got.Profile.LastSeen.Equal(seen) {
		t.Errorf("Profile.LastSeen = %v, want %v", got.Profile.LastSeen, seen)
	}
	if got.Profile.WiFiLastResult != "ok" {
		t.Errorf("Profile.WiFiLastResult = %q, want ok", got.Profile.WiFiLastResult)
	}
}

func TestCreate_Defaults(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)

	a := createDevice(t, repo, Device{})
	b := createDevice(t, repo, Device{})

	if a.Name != PlaceholderName || a.ESPID != UnknownESPID {
		t.Errorf("defaults = %q/%q, want %q/%q", a.Name, a.ESPID, PlaceholderName, UnknownESPID)
	}
	if a.ID == b.ID {
		t.Error("two placeholders share an ID")
	}
}

func TestCreate_DuplicateESPID(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	createDevice(t, repo, Device{ESPID: "esp-001"})

	err := repo.Create(context.Background(), &Device{AccountID: 1, ESPID: "esp-001"})
	if !errors.Is(err, ErrDeviceExists) {
		t.Errorf("Create(duplicate) error = %v, want ErrDeviceExists", err)
	}
}

func TestCreate_RequiresAccount(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)

	err := repo.Create(context.Background(), &Device{})
	if !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("Create(no account) error = %v, want ErrInvalidDevice", err)
	}
}

func TestGetByID_NotFound(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)

	if _, err := repo.GetByID(context.Background(), 999); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetByID(999) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestFind_Filters(t *testing.T) {
	db := setupTestDB(t)
	addAccount(t, db, 2)
	repo := NewSQLiteRepository(db.DB)

	lobby := createDevice(t, repo, Device{Name: "Lobby", ESPID: "esp-1", MAC: "AA:BB:CC:DD:EE:01", IP: "10.0.0.1", Token: "t1"})
	createDevice(t, repo, Device{Name: "Garage", ESPID: "esp-2", MAC: "AA:BB:CC:DD:EE:02", IP: "10.0.0.2", Token: "shared"})
	createDevice(t, repo, Device{Name: "Shed", ESPID: "esp-3", IP: "10.0.0.3", Token: "shared"})
	createDevice(t, repo, Device{AccountID: 2, Name: "Lobby", ESPID: "esp-4", MAC: "AA:BB:CC:DD:EE:01"})
	createDevice(t, repo, Device{Name: "NoToken", ESPID: "esp-5"})

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"all", Filter{}, 5},
		{"account", Filter{AccountID: 1}, 4},
		{"mac lower case", Filter{AccountID: 1, MAC: "aa:bb:cc:dd:ee:01"}, 1},
		{"mac hyphenated", Filter{MAC: "aa-bb-cc-dd-ee-01"}, 2},
		{"token unique", Filter{Token: "t1"}, 1},
		{"token shared", Filter{Token: "shared"}, 2},
		{"esp id", Filter{ESPID: "esp-3"}, 1},
		{"id scoped", Filter{AccountID: 2, ID: lobby.ID}, 0},
		{"ip", Filter{AccountID: 1, IP: "10.0.0.2"}, 1},
		{"name case-insensitive", Filter{AccountID: 1, Name: "LOBBY"}, 1},
		{"has token", Filter{HasToken: true}, 3},
		{"limit", Filter{Limit: 2}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.Find(context.Background(), tt.filter)
			if err != nil {
				t.Fatalf("Find() error = %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("Find(%+v) returned %d devices, want %d", tt.filter, len(got), tt.want)
			}
		})
	}
}

func TestSave_UpdatesTokenAndProfile(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()
	dev := createDevice(t, repo, Device{ESPID: "esp-1"})

	seen := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	dev.Token = "fresh"
	dev.IP = "10.1.1.1"
	dev.MAC = "aabbccddeeff"
	dev.Name = "Renamed"
	dev.Profile.LastSeen = &seen
	if err := repo.Save(ctx, dev); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := repo.GetByID(ctx, dev.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Token != "fresh" || got.IP != "10.1.1.1" || got.Name != "Renamed" {
		t.Errorf("saved = %+v", got)
	}
	if got.MAC != "AA:BB:CC:DD:EE:FF" {
		t.Errorf("MAC = %q, want AA:BB:CC:DD:EE:FF", got.MAC)
	}
	if got.Profile.LastSeen == nil || !got.Profile.LastSeen.Equal(seen) {
		t.Errorf("LastSeen = %v, want %v", got.Profile.LastSeen, seen)
	}

	// Clearing the token removes the row.
	got.Token = ""
	if err := repo.Save(ctx, got); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	cleared, _ := repo.GetByID(ctx, dev.ID) //nolint:errcheck // checked via field below
	if cleared.HasToken() {
		t.Errorf("Token = %q after clearing, want empty", cleared.Token)
	}
}

func TestSave_NotFound(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)

	err := repo.Save(context.Background(), &Device{ID: 404, AccountID: 1, Name: "x", ESPID: "y"})
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Save(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestDelete_Cascades(t *testing.T) {
	db := setupTestDB(t)
	repo := NewSQLiteRepository(db.DB)
	ctx := context.Background()
	dev := createDevice(t, repo, Device{ESPID: "esp-1", Token: "tok"})

	now := time.Now().UTC().Format(time.RFC3339)
	if _, err := db.ExecContext(ctx,
		`INSERT INTO events (id, account_id, device_id, kind, severity, payload, created_at)
		 VALUES ('evt-1', 1, ?, 'alert', 'high', '{}', ?)`, dev.ID, now); err != nil {
		t.Fatalf("inserting event: %v", err)
	}

	if err := repo.Delete(ctx, dev.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	for _, table := range []string{"events", "device_tokens", "device_network_profiles", "devices"} {
		var n int
		//nolint:gosec // table names are constants
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			t.Fatalf("counting %s: %v", table, err)
		}
		if n != 0 {
			t.Errorf("%s has %d rows after Delete, want 0", table, n)
		}
	}

	if err := repo.Delete(ctx, dev.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second Delete() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestPruneStale(t *testing.T) {
	repo := NewSQLiteRepository(setupTestDB(t).DB)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	recent := time.Now().UTC().Add(-time.Minute)

	stale := createDevice(t, repo, Device{ESPID: "stale", Profile: NetworkProfile{LastSeen: &old}})
	fresh := createDevice(t, repo, Device{ESPID: "fresh", Profile: NetworkProfile{LastSeen: &recent}})
	// Never seen, but created just now.
	unseen := createDevice(t, repo, Device{ESPID: "unseen"})

	ids, err := repo.PruneStale(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneStale() error = %v", err)
	}
	if len(ids) != 1 || ids[0] != stale.ID {
		t.Fatalf("PruneStale() = %v, want [%d]", ids, stale.ID)
	}

	for _, id := range []int64{fresh.ID, unseen.ID} {
		if _, err := repo.GetByID(ctx, id); err != nil {
			t.Errorf("GetByID(%d) after prune error = %v", id, err)
		}
	}
	if _, err := repo.GetByID(ctx, stale.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("stale device still present: %v", err)
	}
}
