package framed_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/shmsync/shmsync/pkg/framed"
)

func Test_Serialize_Then_Validate_Round_Trips(t *testing.T) {
	t.Parallel()

	msg := framed.Message{Version: 7, Messages: []string{"Hello", "World", "!"}}

	data, err := framed.Archiver{}.Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	// header(16) + index(3 records * 8) + records("Hello"+"World"+"!" = 11)
	const wantLen = 16 + 3*8 + 11
	if len(data) != wantLen {
		t.Fatalf("len(data) = %d, want %d", len(data), wantLen)
	}

	got, err := framed.Archiver{}.Validate(data)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if diff := cmp.Diff(msg, got); diff != "" {
		t.Fatalf("Validate round trip mismatch (-want +got):\n%s", diff)
	}
}

func Test_Serialize_Empty_Message(t *testing.T) {
	t.Parallel()

	msg := framed.Message{Version: 0}

	data, err := framed.Archiver{}.Serialize(msg)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, err := framed.Archiver{}.Validate(data)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if got.Version != 0 || len(got.Messages) != 0 {
		t.Fatalf("got = %+v, want zero-value Message", got)
	}
}

func Test_Validate_Rejects_Short_Buffer(t *testing.T) {
	t.Parallel()

	_, err := framed.Archiver{}.Validate([]byte{1, 2, 3})
	if err == nil {
		t.Fatalf("Validate(3 bytes) did not error")
	}
}

func Test_Validate_Rejects_Bad_Magic(t *testing.T) {
	t.Parallel()

	data, err := framed.Archiver{}.Serialize(framed.Message{Version: 1, Messages: []string{"x"}})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	data[0] = 'X'

	if _, err := (framed.Archiver{}).Validate(data); err == nil {
		t.Fatalf("Validate(corrupted magic) did not error")
	}
}

func Test_Validate_Rejects_OutOfBounds_Record_Offset(t *testing.T) {
	t.Parallel()

	data, err := framed.Archiver{}.Serialize(framed.Message{Version: 1, Messages: []string{"hello"}})
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	// Corrupt the single record's length field (offset 16+4) to claim far
	// more bytes than the buffer has.
	data[16+4] = 0xFF
	data[16+5] = 0xFF
	data[16+6] = 0xFF
	data[16+7] = 0x7F

	if _, err := (framed.Archiver{}).Validate(data); err == nil {
		t.Fatalf("Validate(out-of-bounds record) did not error")
	}
}

func Test_Serialize_Rejects_Too_Many_Records(t *testing.T) {
	t.Parallel()

	msgs := make([]string, 0x10000)

	_, err := framed.Archiver{}.Serialize(framed.Message{Messages: msgs})
	if err == nil {
		t.Fatalf("Serialize(65536 records) did not error")
	}
}
