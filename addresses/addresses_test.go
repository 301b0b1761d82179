package addresses

import (
	"testing"
)

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		address      string
		expectedAddr string
		expectedName string
	}{
		{
			address:      "192.168.1.100:56001",
			expectedAddr: "192.168.1.100:56001",
		},
		{
			address:      "<192.168.1.100:56001>",
			expectedAddr: "192.168.1.100:56001",
		},
		{
			address:      "uda.example.org",
			expectedAddr: "uda.example.org:56000",
		},
		{
			address:      "<uda.example.org:9000?name=uda.example.org>",
			expectedAddr: "uda.example.org:9000",
			expectedName: "uda.example.org",
		},
		{
			address:      "10.0.0.1:9000?timeout=30&name=server-1",
			expectedAddr: "10.0.0.1:9000",
			expectedName: "server-1",
		},
		{
			address:      "[::1]:9000",
			expectedAddr: "[::1]:9000",
		},
		{
			address:      "::1",
			expectedAddr: "[::1]:56000",
		},
	}

	for _, test := range tests {
		t.Run(test.address, func(t *testing.T) {
			got, err := ParseServerAddress(test.address)
			if err != nil {
				t.Fatalf("ParseServerAddress(%q): %v", test.address, err)
			}
			if got.HostPort != test.expectedAddr {
				t.Errorf("HostPort = %q, want %q", got.HostPort, test.expectedAddr)
			}
			if got.ServerName != test.expectedName {
				t.Errorf("ServerName = %q, want %q", got.ServerName, test.expectedName)
			}
		})
	}
}

func TestParseServerAddressErrors(t *testing.T) {
	for _, address := range []string{
		"",
		"<>",
		":9000",
		"host:0",
		"host:99999",
		"host:port",
		"host:9000?name=bad/name",
	} {
		if _, err := ParseServerAddress(address); err == nil {
			t.Errorf("ParseServerAddress(%q) succeeded, want error", address)
		}
	}
}

func TestIsValidServerName(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"uda.example.org", true},
		{"server_1", true},
		{"Server-2", true},
		{"", false},
		{"a b", false},
		{"a/b", false},
		{"a@b", false},
	}
	for _, test := range tests {
		if got := IsValidServerName(test.name); got != test.valid {
			t.Errorf("IsValidServerName(%q) = %v, want %v", test.name, got, test.valid)
		}
	}
}
