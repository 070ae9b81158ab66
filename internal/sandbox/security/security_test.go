package security

import "testing"

func TestParseUser(t *testing.T) {
	cases := []struct {
		in       string
		uid, gid int
		wantErr  bool
	}{
		{in: "1000:1000", uid: 1000, gid: 1000},
		{in: "65534:65533", uid: 65534, gid: 65533},
		{in: "1001", uid: 1001, gid: 1001},
		{in: "", wantErr: true},
		{in: "root:root", wantErr: true},
		{in: "1000:-1", wantErr: true},
		{in: "0:0", wantErr: true},
		{in: "0", wantErr: true},
		{in: "1000:0", wantErr: true},
		{in: "0:1000", wantErr: true},
	}
	for _, tc := range cases {
		uid, gid, err := ParseUser(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseUser(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseUser(%q) unexpected error: %v", tc.in, err)
		}
		if uid != tc.uid || gid != tc.gid {
			t.Fatalf("ParseUser(%q) = %d:%d, want %d:%d", tc.in, uid, gid, tc.uid, tc.gid)
		}
	}
	if got := (IsolationProfile{UID: 1, GID: 2}).User(); got != "1:2" {
		t.Fatalf("User() = %s", got)
	}
	if err := (IsolationProfile{}).CheckIdentity(); err == nil {
		t.Fatalf("zero profile must be refused")
	}
	if err := (IsolationProfile{UID: 65534, GID: 65534}).CheckIdentity(); err != nil {
		t.Fatalf("nobody should be accepted: %v", err)
	}
}
