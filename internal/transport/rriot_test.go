package transport

import "testing"

func TestDeriveRriotCredentials(t *testing.T) {
	creds := DeriveRriotCredentials("user-1", "secret-1", "key-1")

	if len(creds.Client) != 8 {
		t.Fatalf("expected an 8-char client id, got %q", creds.Client)
	}
	if creds.Username != creds.Client {
		t.Fatalf("expected username to equal the client id, got %q vs %q", creds.Username, creds.Client)
	}
	if len(creds.Password) != 16 {
		t.Fatalf("expected a 16-char password, got %q", creds.Password)
	}

	again := DeriveRriotCredentials("user-1", "secret-1", "key-1")
	if again != creds {
		t.Fatalf("expected derivation to be deterministic, got %+v vs %+v", again, creds)
	}

	other := DeriveRriotCredentials("user-2", "secret-1", "key-1")
	if other.Client == creds.Client {
		t.Fatal("expected different users to derive different client ids")
	}
}
