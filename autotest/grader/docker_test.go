package grader

import "testing"

func TestDockerEndpoint(t *testing.T) {
	cases := []struct {
		name     string
		host     string
		certPath string
		wantHost string
		wantTLS  bool
		wantErr  bool
	}{
		{"https always TLS", "https://docker.host:2376", "", "tcp://docker.host:2376", true, false},
		{"https with certs", "https://docker.host:2376", "/certs/cert.pem", "tcp://docker.host:2376", true, false},
		{"http plain", "http://docker.host:2375", "", "tcp://docker.host:2375", false, false},
		{"http with certs", "http://docker.host:2376", "/certs/cert.pem", "tcp://docker.host:2376", true, false},
		{"tcp plain", "tcp://docker.host:2375", "", "tcp://docker.host:2375", false, false},
		{"tcp with certs", "tcp://docker.host:2376", "/certs/cert.pem", "tcp://docker.host:2376", true, false},
		{"unix socket unsupported", "unix:///var/run/docker.sock", "", "", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			host, useTLS, err := dockerEndpoint(tc.host, tc.certPath)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.host)
				}
				return
			}
			if err != nil {
				t.Fatalf("dockerEndpoint: %v", err)
			}
			if host != tc.wantHost || useTLS != tc.wantTLS {
				t.Errorf("got (%q, %v), want (%q, %v)", host, useTLS, tc.wantHost, tc.wantTLS)
			}
		})
	}
}
