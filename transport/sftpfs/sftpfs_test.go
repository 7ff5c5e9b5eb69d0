package sftpfs

import "testing"

func TestAuthMethodRequiresIdentityOrPassword(t *testing.T) {
	_, err := authMethod(Config{Host: "example.com", User: "alice"})
	if err == nil {
		t.Error("expected error when neither identity file nor password is configured")
	}
}

func TestAuthMethodRejectsUnreadableIdentityFile(t *testing.T) {
	_, err := authMethod(Config{Host: "example.com", User: "alice", IdentityFile: "/nonexistent/key"})
	if err == nil {
		t.Error("expected error reading missing identity file")
	}
}

func TestNormPathCleans(t *testing.T) {
	tr := &Transport{}
	if got := tr.NormPath("/a/b/../c/"); got != "/a/c" {
		t.Errorf("NormPath: got %q, want /a/c", got)
	}
}

func TestDialReportsUnreachableHost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping network-dependent test in short mode")
	}
	_, err := Dial(Config{Host: "127.0.0.1", Port: 1, User: "nobody", Password: "x"})
	if err == nil {
		t.Fatal("expected error dialing a closed port")
	}
}
