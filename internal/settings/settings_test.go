package settings

import "testing"

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	if _, err := Load(); err == nil {
		t.Fatal("Load should fail before anything was saved")
	}

	if err := Save(Settings{ServerURL: " https://tunnel.example.com ", Token: "tok"}); err != nil {
		t.Fatal(err)
	}
	got, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.ServerURL != "https://tunnel.example.com" || got.Token != "tok" {
		t.Fatalf("loaded %+v", got)
	}
}

func TestSaveRejectsIncomplete(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if err := Save(Settings{ServerURL: "https://tunnel.example.com"}); err == nil {
		t.Fatal("Save without token should fail")
	}
	if err := Save(Settings{Token: "tok"}); err == nil {
		t.Fatal("Save without server should fail")
	}
}
