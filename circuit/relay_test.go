package circuit

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"testing"

	"github.com/orpath/torcircuit/cell"
)

func testHop(kfKey, kbKey byte, dfSeed, dbSeed byte) *Hop {
	kf := make([]byte, 16)
	kb := make([]byte, 16)
	for i := range kf {
		kf[i] = kfKey + byte(i)
		kb[i] = kbKey + byte(i)
	}
	iv := make([]byte, aes.BlockSize)

	fwdBlock, _ := aes.NewCipher(kf)
	bwdBlock, _ := aes.NewCipher(kb)

	df := sha1.New()
	df.Write([]byte{dfSeed})
	db := sha1.New()
	db.Write([]byte{dbSeed})

	return &Hop{
		kf: cipher.NewCTR(fwdBlock, iv),
		kb: cipher.NewCTR(bwdBlock, iv),
		df: df,
		db: db,
	}
}

func TestEncryptRelayProducesEncryptedPayload(t *testing.T) {
	hop := testHop(0x10, 0x20, 0xAA, 0xBB)
	circ := &Circuit{
		ID:   0x80000001,
		Hops: []*Hop{hop},
	}

	data := []byte("GET / HTTP/1.0")
	encrypted, err := circ.EncryptRelay(RelayBeginDir, 42, data)
	if err != nil {
		t.Fatalf("EncryptRelay: %v", err)
	}

	if encrypted.Command() != cell.CmdRelay {
		t.Fatalf("expected RELAY command, got %d", encrypted.Command())
	}
	if encrypted.CircID() != 0x80000001 {
		t.Fatalf("wrong circID")
	}

	// Verify the payload is actually encrypted (not plaintext)
	payload := encrypted.Payload()
	if payload[0] == RelayBeginDir && payload[relayRecognizedOff] == 0 && payload[relayRecognizedOff+1] == 0 {
		t.Fatal("payload appears to be unencrypted")
	}
}

func TestEncryptRelayDataTooLarge(t *testing.T) {
	hop := testHop(0x10, 0x20, 0xAA, 0xBB)
	circ := &Circuit{
		ID:   0x80000001,
		Hops: []*Hop{hop},
	}

	bigData := make([]byte, MaxRelayDataLen+1)
	_, err := circ.EncryptRelay(RelayData, 1, bigData)
	if err == nil {
		t.Fatal("expected error for oversized data")
	}
}

func TestRelayCellPaddingStructure(t *testing.T) {
	// Verify that relay cell padding has 4 zero bytes after data, then random
	hop := testHop(0x10, 0x10, 0xAA, 0xAA) // kf==kb so we can decrypt to verify
	circ := &Circuit{
		ID:   0x80000001,
		Hops: []*Hop{hop},
	}

	data := []byte("hi")
	encrypted, err := circ.EncryptRelay(RelayData, 1, data)
	if err != nil {
		t.Fatalf("EncryptRelay: %v", err)
	}

	// Decrypt the payload using a fresh matching cipher to inspect padding
	kf := make([]byte, 16)
	for i := range kf {
		kf[i] = 0x10 + byte(i)
	}
	iv := make([]byte, 16)
	block, _ := aes.NewCipher(kf)
	stream := cipher.NewCTR(block, iv)

	payload := make([]byte, RelayPayloadLen)
	copy(payload, encrypted.Payload())
	stream.XORKeyStream(payload, payload)

	padStart := cell.RelayHeaderLen + len(data)
	for i := 0; i < 4; i++ {
		if padStart+i < RelayPayloadLen && payload[padStart+i] != 0 {
			t.Fatalf("padding byte %d = %d, want 0", i, payload[padStart+i])
		}
	}
}

func TestEncryptRelayNoHops(t *testing.T) {
	circ := &Circuit{ID: 0x80000001}
	_, err := circ.EncryptRelay(RelayData, 1, []byte("test"))
	if err == nil {
		t.Fatal("expected error for empty hops")
	}
}

func TestDecryptRelayRecognized(t *testing.T) {
	// Simulate: relay builds a relay payload, encrypts with Kb, client decrypts.
	kbKey := make([]byte, 16)
	for i := range kbKey {
		kbKey[i] = byte(0x20 + i)
	}
	iv := make([]byte, aes.BlockSize)
	bwdEnc, _ := aes.NewCipher(kbKey)
	kbEncrypt := cipher.NewCTR(bwdEnc, iv)

	bwdDec, _ := aes.NewCipher(kbKey)
	kbDecrypt := cipher.NewCTR(bwdDec, iv)

	dbSeed := []byte{0xBB}
	dbRelay := sha1.New()
	dbRelay.Write(dbSeed)
	dbClient := sha1.New()
	dbClient.Write(dbSeed)

	plain := cell.RelayPayload{RelayCommand: RelayConnected, StreamID: 7, Data: []byte("hello")}.Encode()

	dbRelay.Write(plain)
	digest := dbRelay.Sum(nil)
	copy(plain[relayDigestOff:relayDigestOff+4], digest[:4])

	kbEncrypt.XORKeyStream(plain, plain)

	relayCell := cell.NewFixedCell(0x80000001, cell.CmdRelay)
	copy(relayCell.Payload(), plain)

	kfKey := make([]byte, 16)
	fwdBlock, _ := aes.NewCipher(kfKey)
	hop := &Hop{
		kf: cipher.NewCTR(fwdBlock, iv),
		kb: kbDecrypt,
		df: sha1.New(),
		db: dbClient,
	}
	circ := &Circuit{
		ID:   0x80000001,
		Hops: []*Hop{hop},
	}

	hopIdx, relayCmd, streamID, data, err := circ.DecryptRelay(relayCell)
	if err != nil {
		t.Fatalf("DecryptRelay: %v", err)
	}
	if hopIdx != 0 {
		t.Fatalf("hopIdx = %d, want 0", hopIdx)
	}
	if relayCmd != RelayConnected {
		t.Fatalf("relayCmd = %d, want %d", relayCmd, RelayConnected)
	}
	if streamID != 7 {
		t.Fatalf("streamID = %d, want 7", streamID)
	}
	if !bytes.Equal(data, []byte("hello")) {
		t.Fatalf("data = %q, want %q", data, "hello")
	}
}

func TestDecryptRelayNotRecognized(t *testing.T) {
	hop := testHop(0x10, 0x20, 0xAA, 0xBB)
	circ := &Circuit{
		ID:   0x80000001,
		Hops: []*Hop{hop},
	}

	garbage := cell.NewFixedCell(0x80000001, cell.CmdRelay)
	for i := range garbage.Payload() {
		garbage.Payload()[i] = 0xFF
	}

	_, _, _, _, err := circ.DecryptRelay(garbage)
	if err == nil {
		t.Fatal("expected error for unrecognized cell")
	}
}

// TestDecryptRelayRecognizedAtSecondHop builds a genuine two-layer onion
// payload (hop0's key applied outermost, hop1's applied innermost) and
// checks that decryption peels hop0's layer, finds recognized != 0 there,
// and only matches at hop1, where recognized is zero and the digest matches
// on the first check — exercising the skip past an outer hop whose layer
// does not terminate the cell.
func TestDecryptRelayRecognizedAtSecondHop(t *testing.T) {
	key0 := make([]byte, 16)
	key1 := make([]byte, 16)
	for i := range key0 {
		key0[i] = 0x40 + byte(i)
		key1[i] = 0x50 + byte(i)
	}
	iv := make([]byte, aes.BlockSize)

	encBlock0, _ := aes.NewCipher(key0)
	encBlock1, _ := aes.NewCipher(key1)
	encStream0 := cipher.NewCTR(encBlock0, iv)
	encStream1 := cipher.NewCTR(encBlock1, iv)

	dbSeed1 := []byte{0xC2}
	dbRelay1 := sha1.New()
	dbRelay1.Write(dbSeed1)

	plain := cell.RelayPayload{RelayCommand: RelayExtended2, StreamID: 9, Data: []byte("extended2-handshake-reply")}.Encode()

	dbRelay1.Write(plain)
	digest := dbRelay1.Sum(nil)
	copy(plain[relayDigestOff:relayDigestOff+4], digest[:4])

	// hop1 (second/innermost) layer goes on first, hop0 (first/outermost)
	// layer goes on last, matching EncryptRelay's onion-layering order.
	encStream1.XORKeyStream(plain, plain)
	encStream0.XORKeyStream(plain, plain)

	relayCell := cell.NewFixedCell(0x80000001, cell.CmdRelay)
	copy(relayCell.Payload(), plain)

	decBlock0, _ := aes.NewCipher(key0)
	decBlock1, _ := aes.NewCipher(key1)
	fwdBlock0, _ := aes.NewCipher(key0)
	fwdBlock1, _ := aes.NewCipher(key1)

	hop0 := &Hop{
		kf: cipher.NewCTR(fwdBlock0, iv),
		kb: cipher.NewCTR(decBlock0, iv),
		df: sha1.New(),
		db: sha1.New(),
	}
	hop1 := &Hop{
		kf: cipher.NewCTR(fwdBlock1, iv),
		kb: cipher.NewCTR(decBlock1, iv),
		df: sha1.New(),
		db: sha1.New(),
	}
	hop1.db.Write(dbSeed1)

	circ := &Circuit{
		ID:   0x80000001,
		Hops: []*Hop{hop0, hop1},
	}

	hopIdx, relayCmd, streamID, data, err := circ.DecryptRelay(relayCell)
	if err != nil {
		t.Fatalf("DecryptRelay: %v", err)
	}
	if hopIdx != 1 {
		t.Fatalf("hopIdx = %d, want 1 (recognized only after peeling both layers)", hopIdx)
	}
	if relayCmd != RelayExtended2 {
		t.Fatalf("relayCmd = %d, want %d", relayCmd, RelayExtended2)
	}
	if streamID != 9 {
		t.Fatalf("streamID = %d, want 9", streamID)
	}
	if !bytes.Equal(data, []byte("extended2-handshake-reply")) {
		t.Fatalf("data = %q", data)
	}
}

func TestRunningDigestPersistsAcrossCells(t *testing.T) {
	kbKey := make([]byte, 16)
	for i := range kbKey {
		kbKey[i] = byte(0x20 + i)
	}
	iv := make([]byte, aes.BlockSize)

	bwdEnc, _ := aes.NewCipher(kbKey)
	bwdDec, _ := aes.NewCipher(kbKey)

	dbRelay := sha1.New()
	dbRelay.Write([]byte{0xBB})
	dbClient := sha1.New()
	dbClient.Write([]byte{0xBB})

	encStream := cipher.NewCTR(bwdEnc, iv)
	decStream := cipher.NewCTR(bwdDec, iv)

	kfKey := make([]byte, 16)
	fwdBlock, _ := aes.NewCipher(kfKey)
	hop := &Hop{
		kf: cipher.NewCTR(fwdBlock, iv),
		kb: decStream,
		df: sha1.New(),
		db: dbClient,
	}
	circ := &Circuit{
		ID:   0x80000001,
		Hops: []*Hop{hop},
	}

	// Send two cells from relay, decrypt both — proves running digest state persists
	for cellNum := 0; cellNum < 2; cellNum++ {
		plain := cell.RelayPayload{RelayCommand: RelaySendMe, StreamID: 1, Data: []byte{byte(cellNum), byte(cellNum), byte(cellNum)}}.Encode()

		dbRelay.Write(plain)
		digest := dbRelay.Sum(nil)
		copy(plain[relayDigestOff:relayDigestOff+4], digest[:4])

		encStream.XORKeyStream(plain, plain)

		relayCell := cell.NewFixedCell(0x80000001, cell.CmdRelay)
		copy(relayCell.Payload(), plain)

		_, relayCmd, _, data, err := circ.DecryptRelay(relayCell)
		if err != nil {
			t.Fatalf("cell %d: DecryptRelay: %v", cellNum, err)
		}
		if relayCmd != RelaySendMe {
			t.Fatalf("cell %d: relayCmd = %d, want %d", cellNum, relayCmd, RelaySendMe)
		}
		expected := []byte{byte(cellNum), byte(cellNum), byte(cellNum)}
		if !bytes.Equal(data, expected) {
			t.Fatalf("cell %d: data = %v, want %v", cellNum, data, expected)
		}
	}
}

