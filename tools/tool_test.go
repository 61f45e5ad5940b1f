package tools

import "testing"

func TestToAddressString(t *testing.T) {
	tests := []struct {
		host string
		port uint16
		want string
	}{
		{host: "", port: 19601, want: ":19601"},
		{host: "127.0.0.1", port: 9100, want: "127.0.0.1:9100"},
		{host: "::1", port: 9100, want: "[::1]:9100"},
	}
	for _, tt := range tests {
		if got := ToAddressString(tt.host, tt.port); got != tt.want {
			t.Errorf("ToAddressString(%q, %d) = %q, want %q", tt.host, tt.port, got, tt.want)
		}
	}
}
