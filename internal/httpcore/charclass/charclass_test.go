package charclass

import "testing"

func TestOfKnownBytes(t *testing.T) {
	tests := []struct {
		name string
		b    byte
		want Class
	}{
		{"space", ' ', SPC},
		{"tab", '\t', TAB},
		{"lf", '\n', NL},
		{"cr", '\r', CR},
		{"colon", ':', COLON},
		{"semicolon", ';', SEMI},
		{"digit zero", '0', DIGIT},
		{"digit nine", '9', DIGIT},
		{"hex upper", 'A', HEX},
		{"hex upper end", 'F', HEX},
		{"alpha upper", 'G', ALPHA},
		{"alpha upper end", 'Z', ALPHA},
		{"hex lower", 'a', HEX},
		{"hex lower end", 'f', HEX},
		{"alpha lower", 'g', ALPHA},
		{"alpha lower end", 'z', ALPHA},
		{"tchar dash", '-', TCHAR},
		{"vchar slash", '/', VCHAR},
		{"vchar quote", '"', VCHAR},
		{"control nul", 0x00, ETC},
		{"del", 0x7f, ETC},
		{"high bit", 0x80, ETC},
		{"high byte", 0xff, ETC},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Of(tc.b); got != tc.want {
				t.Fatalf("Of(%q) = %v, want %v", tc.b, got, tc.want)
			}
		})
	}
}

func TestTableCoversAllASCII(t *testing.T) {
	for i := 0; i < 128; i++ {
		if Of(byte(i)) >= numClasses {
			t.Fatalf("byte %d classified out of range", i)
		}
	}
}
