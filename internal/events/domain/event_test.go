package domain

import (
	"errors"
	"testing"
)

func TestRoutingKey(t *testing.T) {
	for role, want := range map[string]string{
		"DOCTOR":  "user.created.doctor",
		"Patient": "user.created.patient",
		" admin ": "user.created.admin",
	} {
		if got := RoutingKey(role); got != want {
			t.Errorf("RoutingKey(%q) = %q, want %q", role, got, want)
		}
	}
}

func TestMatchRoutingKey(t *testing.T) {
	tests := []struct {
		pattern, key string
		want         bool
	}{
		{"user.created.doctor", "user.created.doctor", true},
		{"user.created.doctor", "user.created.patient", false},
		{"user.created.*", "user.created.patient", true},
		{"user.created.*", "user.created", false},
		{"user.created.*", "user.created.doctor.extra", false},
		{"user.#", "user", true},
		{"user.#", "user.created.doctor", true},
		{"#", "anything.at.all", true},
		{"#.doctor", "user.created.doctor", true},
		{"#.doctor", "doctor", true},
		{"user.#.doctor", "user.doctor", true},
		{"user.#.doctor", "user.created.patient", false},
		{"*.created.*", "user.created.doctor", true},
	}
	for _, tt := range tests {
		if got := MatchRoutingKey(tt.pattern, tt.key); got != tt.want {
			t.Errorf("MatchRoutingKey(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	in := UserCreated{UserID: "u1", Email: "a@x.com", FirstName: "Ada", LastName: "Lovelace"}
	body, err := Encode(RoutingKey("DOCTOR"), in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	want := `{"pattern":"user.created.doctor","data":{"userId":"u1","email":"a@x.com","firstName":"Ada","lastName":"Lovelace"}}`
	if string(body) != want {
		t.Fatalf("body = %s\nwant %s", body, want)
	}
	env, err := Decode(body)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, err := env.DecodeUserCreated()
	if err != nil {
		t.Fatalf("DecodeUserCreated: %v", err)
	}
	if got != in {
		t.Errorf("payload = %+v, want %+v", got, in)
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"data":{"userId":"u1"}}`,
		`{"pattern":"user.created.doctor"}`,
		`{"pattern":"user.created.doctor","data":null}`,
	} {
		if _, err := Decode([]byte(body)); !errors.Is(err, ErrMalformedEnvelope) {
			t.Errorf("Decode(%s) = %v, want ErrMalformedEnvelope", body, err)
		}
	}
}

func TestDecodeUserCreated_MissingFields(t *testing.T) {
	env, err := Decode([]byte(`{"pattern":"user.created.doctor","data":{"email":"a@x.com"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.DecodeUserCreated(); !errors.Is(err, ErrMalformedEnvelope) {
		t.Errorf("want ErrMalformedEnvelope, got %v", err)
	}
}
