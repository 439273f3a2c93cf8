package virtualdisk

import (
	"testing"
	"time"
)

func TestDecodeUnicode(t *testing.T) {
	b := []byte{'a', 0, 'b', 0, 'c', 0, 'd', 0, 'e', 0}
	s := DecodeUnicode(b, 3)

	if s != "abc" {
		t.Fatalf("raw UTF-16LE not decoded correctly: [%s]", s)
	}
}

func TestDecodeUnicode_SkipsNulPadding(t *testing.T) {
	b := []byte{'a', 0, 0, 0, 'b', 0}

	if DecodeUnicode(b, 3) != "ab" {
		t.Fatalf("NUL padding not dropped")
	}
}

func TestEncodeUnicode_RoundTrip(t *testing.T) {
	units, err := EncodeUnicode("LOG.TXT")
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	if len(units) != 7 {
		t.Fatalf("unit count not correct: (%d)", len(units))
	}

	raw := make([]byte, len(units)*2)
	putUnicodeUnits(raw, units)

	if DecodeUnicode(raw, len(units)) != "LOG.TXT" {
		t.Fatalf("round-trip not correct")
	}
}

func TestPutUnicodeUnits_ZeroPads(t *testing.T) {
	raw := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

	putUnicodeUnits(raw, []uint16{'A'})

	if raw[0] != 'A' || raw[1] != 0 {
		t.Fatalf("unit not encoded little-endian")
	}

	for i := 2; i < len(raw); i++ {
		if raw[i] != 0 {
			t.Fatalf("padding not zeroed at (%d)", i)
		}
	}
}

func TestExfatTimestamp_RoundTrip(t *testing.T) {
	moment := time.Date(2024, 6, 1, 12, 30, 44, 0, time.UTC)

	ts := newExfatTimestamp(moment)

	if ts.Year() != 2024 || ts.Month() != 6 || ts.Day() != 1 {
		t.Fatalf("date components not correct: (%d) (%d) (%d)", ts.Year(), ts.Month(), ts.Day())
	}

	if ts.Hour() != 12 || ts.Minute() != 30 || ts.Second() != 44 {
		t.Fatalf("time components not correct: (%d) (%d) (%d)", ts.Hour(), ts.Minute(), ts.Second())
	}

	if ts.Timestamp().Equal(moment) != true {
		t.Fatalf("round-trip not correct: [%s]", ts.Timestamp())
	}
}

func TestExfatTimestamp_ClampsPre1980(t *testing.T) {
	ts := newExfatTimestamp(time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC))

	if ts.Year() != 1980 {
		t.Fatalf("pre-epoch year not clamped: (%d)", ts.Year())
	}
}

func TestExfatTimestamp_OddSecondsRoundDown(t *testing.T) {
	ts := newExfatTimestamp(time.Date(2024, 6, 1, 12, 30, 45, 0, time.UTC))

	if ts.Second() != 44 {
		t.Fatalf("odd second not rounded down: (%d)", ts.Second())
	}
}
