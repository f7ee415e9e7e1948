package natsbus

import "testing"

func TestConnectWithEmptyURLIsANoop(t *testing.T) {
	nc, err := Connect("")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if nc != nil {
		t.Fatalf("expected a nil connection when no NATS url is configured")
	}
}
