package transport

import "testing"

func TestSameUUID(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"180D", "0000180d-0000-1000-8000-00805f9b34fb", true},
		{"fff4", "FFF4", true},
		{"fff4", "fff5", false},
		{"00000211-b2d1-43f0-9b88-960cebf8b91e", "00000211B2D143F09B88960CEBF8B91E", true},
	}
	for _, test := range tests {
		if got := SameUUID(test.a, test.b); got != test.same {
			t.Errorf("SameUUID(%s, %s) = %v", test.a, test.b, got)
		}
	}
}

func TestScanFilter(t *testing.T) {
	ad := Advertisement{Services: []string{"180D"}}
	if !(ScanFilter{}).Matches(&ad) {
		t.Error("empty filter should match")
	}
	if !(ScanFilter{Services: []string{"1814", "180d"}}).Matches(&ad) {
		t.Error("filter should match listed service")
	}
	if (ScanFilter{Services: []string{"fff0"}}).Matches(&ad) {
		t.Error("filter matched unlisted service")
	}
}

func TestFindEndpoint(t *testing.T) {
	endpoints := []Endpoint{{Characteristic: "fff4", Notify: true}, {Characteristic: "fff5", Write: true}}
	if e, ok := FindEndpoint(endpoints, "FFF5"); !ok || !e.Write {
		t.Errorf("FindEndpoint = %+v, %v", e, ok)
	}
	if _, ok := FindEndpoint(endpoints, "2a37"); ok {
		t.Error("found missing endpoint")
	}
}
