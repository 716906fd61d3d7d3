package syncshm_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/shmsync/shmsync/pkg/framed"
	"github.com/shmsync/shmsync/pkg/syncshm"
)

func openTestSynchronizer(t *testing.T, cfg syncshm.Config) *syncshm.Synchronizer[framed.Message] {
	t.Helper()

	s, err := syncshm.Open(cfg, framed.Archiver{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { _ = s.Close() })

	return s
}

// Test_Write_Then_Read_Matches_End_To_End_Scenario pins down the exact
// byte counts for the engine's worked example: writing
// {version:7, messages:["Hello","World","!"]} through framed.Archiver
// produces header(16) + index(3*8=24) + records(11) = 51 bytes, the state
// file is 16 bytes, and the first data file grows to exactly that size.
func Test_Write_Then_Read_Matches_End_To_End_Scenario(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prefix := filepath.Join(dir, "t1")

	s := openTestSynchronizer(t, syncshm.Config{PathPrefix: prefix})

	msg := framed.Message{Version: 7, Messages: []string{"Hello", "World", "!"}}

	const wantLen = 16 + 3*8 + 11

	result, err := s.Write(msg, time.Second)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}

	if result.BytesWritten != wantLen {
		t.Errorf("BytesWritten = %d, want %d", result.BytesWritten, wantLen)
	}

	if result.WasReset {
		t.Errorf("WasReset = true on a fresh (never-read) buffer, want false")
	}

	stateInfo, err := os.Stat(prefix + "_state")
	if err != nil {
		t.Fatalf("stat state file: %v", err)
	}

	if stateInfo.Size() != 16 {
		t.Errorf("state file size = %d, want 16", stateInfo.Size())
	}

	data0Info, err := os.Stat(prefix + "_data_0")
	if err != nil {
		t.Fatalf("stat data_0: %v", err)
	}

	if data0Info.Size() != wantLen {
		t.Errorf("data_0 size = %d, want %d", data0Info.Size(), wantLen)
	}

	read, err := s.Read(true)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	defer read.Release()

	if diff := cmp.Diff(msg, read.Value); diff != "" {
		t.Fatalf("read value mismatch (-want +got):\n%s", diff)
	}
}

func Test_Read_Before_Any_Write_Returns_ErrUninitialized(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prefix := filepath.Join(dir, "t1")

	s := openTestSynchronizer(t, syncshm.Config{PathPrefix: prefix})

	_, err := s.Read(true)
	if !errors.Is(err, syncshm.ErrUninitialized) {
		t.Fatalf("Read before any write = %v, want ErrUninitialized", err)
	}
}

func Test_Write_Alternates_Active_Buffer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prefix := filepath.Join(dir, "t1")

	s := openTestSynchronizer(t, syncshm.Config{PathPrefix: prefix})

	for i := range 4 {
		msg := framed.Message{Version: uint64(i)}

		if _, err := s.Write(msg, 0); err != nil {
			t.Fatalf("Write #%d: %v", i, err)
		}

		read, err := s.Read(true)
		if err != nil {
			t.Fatalf("Read #%d: %v", i, err)
		}

		if read.Value.Version != uint64(i) {
			t.Errorf("Read #%d: Version = %d, want %d", i, read.Value.Version, i)
		}

		read.Release()
	}

	data0, err := os.Stat(prefix + "_data_0")
	if err != nil {
		t.Fatalf("stat data_0: %v", err)
	}

	data1, err := os.Stat(prefix + "_data_1")
	if err != nil {
		t.Fatalf("stat data_1: %v", err)
	}

	if data0.Size() == 0 || data1.Size() == 0 {
		t.Errorf("alternating writes never touched both buffers: data_0=%d data_1=%d", data0.Size(), data1.Size())
	}
}

func Test_Write_Grows_Data_File_When_Payload_Larger(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prefix := filepath.Join(dir, "t1")

	s := openTestSynchronizer(t, syncshm.Config{PathPrefix: prefix})

	small := framed.Message{Messages: []string{"a"}}
	if _, err := s.Write(small, 0); err != nil {
		t.Fatalf("Write(small): %v", err)
	}

	read, err := s.Read(true)
	if err != nil {
		t.Fatalf("Read after small write: %v", err)
	}
	read.Release()

	big := framed.Message{Messages: []string{"a very much longer string than before, to force growth"}}
	if _, err := s.Write(big, 0); err != nil {
		t.Fatalf("Write(big): %v", err)
	}

	read, err = s.Read(true)
	if err != nil {
		t.Fatalf("Read after big write: %v", err)
	}
	defer read.Release()

	if diff := cmp.Diff(big, read.Value); diff != "" {
		t.Fatalf("grown-buffer read mismatch (-want +got):\n%s", diff)
	}
}

func Test_WriteRaw_Then_Read_Unvalidated(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prefix := filepath.Join(dir, "t1")

	s, err := syncshm.Open(syncshm.Config{PathPrefix: prefix}, syncshm.RawArchiver{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	payload := []byte("raw bytes, no framing")

	if _, err := s.WriteRaw(payload, 0); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}

	read, err := s.Read(false)
	if err != nil {
		t.Fatalf("Read(validate=false): %v", err)
	}
	defer read.Release()

	if string(read.Value) != string(payload) {
		t.Fatalf("Read value = %q, want %q", read.Value, payload)
	}
}

func Test_Write_Checksum_Mismatch_Is_Detected(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prefix := filepath.Join(dir, "t1")

	s, err := syncshm.Open(syncshm.Config{PathPrefix: prefix}, syncshm.RawArchiver{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if _, err := s.WriteRaw([]byte("hello"), 0); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}

	// Corrupt the published buffer out from under the version's checksum.
	f, err := os.OpenFile(prefix+"_data_0", os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("opening data file for corruption: %v", err)
	}

	if _, err := f.WriteAt([]byte("H"), 0); err != nil {
		t.Fatalf("corrupting data file: %v", err)
	}

	if err := f.Close(); err != nil {
		t.Fatalf("closing corrupted data file: %v", err)
	}

	_, err = s.Read(true)
	if !errors.Is(err, syncshm.ErrChecksumMismatch) {
		t.Fatalf("Read after corruption = %v, want ErrChecksumMismatch", err)
	}
}

func Test_Open_Same_Prefix_Twice_In_Process_Returns_ErrAlreadyOpen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prefix := filepath.Join(dir, "t1")

	s := openTestSynchronizer(t, syncshm.Config{PathPrefix: prefix})

	_, err := syncshm.Open(syncshm.Config{PathPrefix: prefix}, framed.Archiver{})
	if !errors.Is(err, syncshm.ErrAlreadyOpen) {
		t.Fatalf("second Open = %v, want ErrAlreadyOpen", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Once closed, the prefix is free again.
	s2, err := syncshm.Open(syncshm.Config{PathPrefix: prefix}, framed.Archiver{})
	if err != nil {
		t.Fatalf("reopening after Close: %v", err)
	}

	_ = s2.Close()
}

func Test_Operations_After_Close_Return_ErrClosed(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prefix := filepath.Join(dir, "t1")

	s, err := syncshm.Open(syncshm.Config{PathPrefix: prefix}, framed.Archiver{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if _, err := s.Write(framed.Message{}, 0); !errors.Is(err, syncshm.ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}

	if _, err := s.Read(true); !errors.Is(err, syncshm.ErrClosed) {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
}

// Test_Grace_Period_Exceeded_Forces_Reset exercises the documented
// grace-period override: a reader pins a buffer, the writer's grace
// expires before the reader releases it, and Write reports WasReset.
func Test_Grace_Period_Exceeded_Forces_Reset(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prefix := filepath.Join(dir, "t1")

	s := openTestSynchronizer(t, syncshm.Config{PathPrefix: prefix})

	// First write lands in buffer 0 (the initial target). A pinned read
	// against buffer 0 only becomes contested once the writer cycles all
	// the way back to buffer 0, i.e. on the third write.
	if _, err := s.Write(framed.Message{Version: 1}, 0); err != nil {
		t.Fatalf("first Write: %v", err)
	}

	read, err := s.Read(true)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	// Deliberately not releasing read before the next writes: this is what
	// forces the writer to choose between waiting and overriding once it
	// cycles back to the buffer this read is pinned to.

	if _, err := s.Write(framed.Message{Version: 2}, 0); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	result, err := s.Write(framed.Message{Version: 3}, time.Millisecond)
	if err != nil {
		t.Fatalf("third Write: %v", err)
	}

	if !result.WasReset {
		t.Errorf("WasReset = false, want true (reader still held buffer 0 past a 1ms grace)")
	}

	read.Release()
}

// Test_Concurrent_Readers_Never_See_Torn_Writes hammers one writer against
// many concurrent readers and asserts every observed message is one that
// was actually written (never a torn mix of two writes), matching the
// round-trip/monotonicity properties in the design's testable-properties
// list.
func Test_Concurrent_Readers_Never_See_Torn_Writes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	prefix := filepath.Join(dir, "t1")

	s := openTestSynchronizer(t, syncshm.Config{PathPrefix: prefix, DefaultGrace: 10 * time.Millisecond})

	const writes = 200

	if _, err := s.Write(framed.Message{Version: 0, Messages: []string{"seed"}}, 0); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	var wg sync.WaitGroup

	stop := make(chan struct{})

	const readers = 8

	wg.Add(readers)

	for r := range readers {
		go func(id int) {
			defer wg.Done()

			for {
				select {
				case <-stop:
					return
				default:
				}

				read, err := s.Read(true)
				if err != nil {
					continue
				}

				v := read.Value

				if v.Version > writes {
					t.Errorf("reader %d saw impossible version %d", id, v.Version)
				}

				if len(v.Messages) != 1 || (v.Version != 0 && v.Messages[0] != "payload") || (v.Version == 0 && v.Messages[0] != "seed") {
					t.Errorf("reader %d saw a malformed message for version %d: %+v", id, v.Version, v)
				}

				read.Release()
			}
		}(r)
	}

	for i := 1; i <= writes; i++ {
		msg := framed.Message{Version: uint64(i), Messages: []string{"payload"}}

		if _, err := s.Write(msg, 5*time.Millisecond); err != nil {
			t.Fatalf("Write #%d: %v", i, err)
		}
	}

	close(stop)
	wg.Wait()
}
