package main

import "testing"

func TestDial(t *testing.T) {
	config := &Config{RemoteAddr: "127.0.0.1:34567", DataShard: 0, ParityShard: 0}

	sess, err := dial(config, nil)
	if err != nil {
		t.Fatalf("dial returned error: %v", err)
	}
	defer sess.Close()

	if sess.RemoteAddr().String() != config.RemoteAddr {
		t.Fatalf("session remote addr = %s, want %s", sess.RemoteAddr(), config.RemoteAddr)
	}
}
