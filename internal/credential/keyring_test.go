package credential

import (
	"errors"
	"testing"

	"github.com/zalando/go-keyring"
)

func TestSetGetDelete(t *testing.T) {
	keyring.MockInit()

	if err := Set("me@example.com", "s3cret"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := Get("me@example.com")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != "s3cret" {
		t.Errorf("Get() = %q", got)
	}

	if err := Delete("me@example.com"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := Get("me@example.com"); !errors.Is(err, ErrMissing) {
		t.Errorf("Get() after Delete error = %v, want ErrMissing", err)
	}
	if err := Delete("me@example.com"); !errors.Is(err, ErrMissing) {
		t.Errorf("second Delete() error = %v, want ErrMissing", err)
	}
}

func TestSet_RequiresAddress(t *testing.T) {
	keyring.MockInit()
	if err := Set("", "x"); err == nil {
		t.Fatal("Set() without address succeeded")
	}
}

func TestResolve(t *testing.T) {
	keyring.MockInit()
	if err := Set("kr@example.com", "from-keyring"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		address    string
		configured string
		useKeyring bool
		want       string
		wantErr    bool
	}{
		{"configured wins", "kr@example.com", "from-config", true, "from-config", false},
		{"keyring", "kr@example.com", "", true, "from-keyring", false},
		{"keyring empty", "other@example.com", "", true, "", true},
		{"nothing", "kr@example.com", "", false, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.address, tt.configured, tt.useKeyring)
			if tt.wantErr {
				if !errors.Is(err, ErrMissing) {
					t.Fatalf("Resolve() error = %v, want ErrMissing", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}
