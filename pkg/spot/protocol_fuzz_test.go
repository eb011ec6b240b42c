package spot

import "testing"

func FuzzDecodeCredentials(f *testing.F) {
	f.Add(`{"username":"alice","authData":"YmxvYg=="}`)
	f.Add(`{"username":"","authData":""}`)
	f.Add("")

	f.Fuzz(func(t *testing.T, payload string) {
		creds, err := DecodeCredentials([]byte(payload))
		if err == nil && (!creds.Valid() || creds.AuthType == "") {
			t.Fatalf("accepted unusable credentials %+v", creds)
		}
	})
}

func FuzzParseURIRoundTrip(f *testing.F) {
	f.Add("spotify:track:4uLU6hMCjMI75M1A2tKUQC")
	f.Add("https://open.spotify.com/intl-de/album/4uLU6hMCjMI75M1A2tKUQC")
	f.Add("spotify:user:x:playlist:")

	f.Fuzz(func(t *testing.T, raw string) {
		uri, err := ParseURI(raw)
		if err != nil {
			return
		}
		again, err := ParseURI(uri.String())
		if err != nil || again != uri {
			t.Fatalf("canonical form %q does not round trip: %v", uri.String(), err)
		}
	})
}
