package wasp

import "testing"

func TestPageEncodeDecodeRoundTrip(t *testing.T) {
	p := Page{
		Header:  PageHeader{PageID: 7, Kind: PageKindLeaf, Epoch: 3},
		Payload: []byte("hello world"),
	}
	buf, err := Encode(p, 256)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Header.PageID != 7 || got.Header.Epoch != 3 || string(got.Payload) != "hello world" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestPageDecodeDetectsCorruption(t *testing.T) {
	p := Page{Header: PageHeader{PageID: 1, Kind: PageKindLeaf}, Payload: []byte("data")}
	buf, err := Encode(p, 128)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	buf[pageHeaderSize+1] ^= 0xFF // flip a payload byte
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected corruption error, got nil")
	}
}

func TestOffsetReservesManifestSlots(t *testing.T) {
	if got := Offset(1, 4096); got != 2*4096 {
		t.Errorf("Offset(1, 4096) = %d, want %d", got, 2*4096)
	}
	if got := Offset(2, 4096); got != 3*4096 {
		t.Errorf("Offset(2, 4096) = %d, want %d", got, 3*4096)
	}
}
