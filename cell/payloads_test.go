package cell

import "testing"

func TestCertsRoundTrip(t *testing.T) {
	entries := []CertEntry{
		{Type: 1, Body: []byte("rsa-identity-der")},
		{Type: 7, Body: []byte("ed25519-identity-crosscert")},
	}
	payload := EncodeCerts(entries)
	got, err := DecodeCerts(payload)
	if err != nil {
		t.Fatalf("DecodeCerts: %v", err)
	}
	if len(got) != 2 || got[0].Type != 1 || string(got[1].Body) != "ed25519-identity-crosscert" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestDecodeCertsRejectsTruncated(t *testing.T) {
	if _, err := DecodeCerts([]byte{2, 1, 0, 5, 'a'}); err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestAuthChallengeRoundTrip(t *testing.T) {
	var challenge [32]byte
	for i := range challenge {
		challenge[i] = byte(i)
	}
	a := AuthChallenge{Challenge: challenge, Methods: []uint16{1, 3}}
	got, err := DecodeAuthChallenge(EncodeAuthChallenge(a))
	if err != nil {
		t.Fatalf("DecodeAuthChallenge: %v", err)
	}
	if got.Challenge != challenge || len(got.Methods) != 2 || got.Methods[1] != 3 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestAuthenticateRoundTrip(t *testing.T) {
	a := Authenticate{Type: AuthenticateTypeEd25519Sha256Rfc5705, Body: []byte("authenticate-body")}
	got, err := DecodeAuthenticate(EncodeAuthenticate(a))
	if err != nil {
		t.Fatalf("DecodeAuthenticate: %v", err)
	}
	if got.Type != a.Type || string(got.Body) != string(a.Body) {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestNetInfoRoundTrip(t *testing.T) {
	n := NetInfo{
		Timestamp: 1700000000,
		OtherAddr: NetInfoAddr{Type: 4, Addr: []byte{203, 0, 113, 1}},
		MyAddrs:   []NetInfoAddr{{Type: 4, Addr: []byte{198, 51, 100, 7}}},
	}
	got, err := DecodeNetInfo(EncodeNetInfo(n))
	if err != nil {
		t.Fatalf("DecodeNetInfo: %v", err)
	}
	if got.Timestamp != n.Timestamp || len(got.MyAddrs) != 1 {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestDecodeNetInfoToleratesFixedCellPadding(t *testing.T) {
	n := NetInfo{
		Timestamp: 1700000000,
		OtherAddr: NetInfoAddr{Type: 4, Addr: []byte{203, 0, 113, 1}},
	}
	fixedCell := NewFixedCell(0, CmdNetInfo)
	copy(fixedCell.Payload(), EncodeNetInfo(n))
	got, err := DecodeNetInfo(fixedCell.Payload())
	if err != nil {
		t.Fatalf("DecodeNetInfo on zero-padded fixed cell: %v", err)
	}
	if got.Timestamp != n.Timestamp {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestCreateFastAndCreatedFastRoundTrip(t *testing.T) {
	var x [20]byte
	for i := range x {
		x[i] = byte(i + 1)
	}
	cf, err := DecodeCreateFast(EncodeCreateFast(CreateFast{X: x}))
	if err != nil {
		t.Fatalf("DecodeCreateFast: %v", err)
	}
	if cf.X != x {
		t.Fatal("X mismatch")
	}

	var y, kh [20]byte
	for i := range y {
		y[i] = byte(i + 2)
		kh[i] = byte(i + 3)
	}
	created, err := DecodeCreatedFast(EncodeCreatedFast(CreatedFast{Y: y, KH: kh}))
	if err != nil {
		t.Fatalf("DecodeCreatedFast: %v", err)
	}
	if created.Y != y || created.KH != kh {
		t.Fatal("Y/KH mismatch")
	}
}

func TestCreate2AndCreated2RoundTrip(t *testing.T) {
	c := Create2{HType: HandshakeTypeNtor, HData: []byte("router-id||B||X")}
	got, err := DecodeCreate2(EncodeCreate2(c))
	if err != nil {
		t.Fatalf("DecodeCreate2: %v", err)
	}
	if got.HType != c.HType || string(got.HData) != string(c.HData) {
		t.Fatalf("round-trip mismatch: %+v", got)
	}

	c2 := Created2{HData: []byte("Y||AUTH")}
	got2, err := DecodeCreated2(EncodeCreated2(c2))
	if err != nil {
		t.Fatalf("DecodeCreated2: %v", err)
	}
	if string(got2.HData) != string(c2.HData) {
		t.Fatalf("round-trip mismatch: %+v", got2)
	}
}

func TestDestroyRoundTrip(t *testing.T) {
	got, err := DecodeDestroy(EncodeDestroy(Destroy{Reason: DestroyReasonRequested}))
	if err != nil {
		t.Fatalf("DecodeDestroy: %v", err)
	}
	if got.Reason != DestroyReasonRequested {
		t.Fatal("reason mismatch")
	}
}

func TestRelayPayloadRoundTrip(t *testing.T) {
	r := RelayPayload{RelayCommand: RelayData, StreamID: 7, Data: []byte("hello")}
	encoded := r.Encode()
	if len(encoded) != MaxPayloadLen {
		t.Fatalf("expected %d bytes, got %d", MaxPayloadLen, len(encoded))
	}
	got, err := DecodeRelayPayload(encoded)
	if err != nil {
		t.Fatalf("DecodeRelayPayload: %v", err)
	}
	if got.RelayCommand != r.RelayCommand || got.StreamID != r.StreamID || string(got.Data) != "hello" {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
}

func TestWithDigestZeroed(t *testing.T) {
	r := RelayPayload{RelayCommand: RelayData, Digest: 0xDEADBEEF, Data: []byte("x")}
	encoded := r.Encode()
	zeroed := WithDigestZeroed(encoded)
	if len(zeroed) != len(encoded) {
		t.Fatal("length changed")
	}
	for i := 5; i < 9; i++ {
		if zeroed[i] != 0 {
			t.Fatal("digest field not zeroed")
		}
	}
	for i := 0; i < 5; i++ {
		if zeroed[i] != encoded[i] {
			t.Fatal("unrelated bytes mutated")
		}
	}
}
