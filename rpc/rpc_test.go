package rpc

import "testing"

func TestCommandMarshalRoundTrip(t *testing.T) {
	cmd := Command{
		Version: ProtocolVersion,
		Serial:  7,
		Type:    CmdSetFileInfo,
		FileInfo: FileInfo{
			Dev:        0x801,
			Ino:        42,
			ActiveMask: FieldUID | FieldGID,
			UID:        0,
			GID:        0,
		},
	}

	buf := cmd.Marshal()
	if len(buf) != CommandWireSize {
		t.Fatalf("Marshal length = %d, want %d", len(buf), CommandWireSize)
	}

	got, err := UnmarshalCommand(buf)
	if err != nil {
		t.Fatalf("UnmarshalCommand: %v", err)
	}
	if got.Version != cmd.Version || got.Serial != cmd.Serial || got.Type != cmd.Type {
		t.Fatalf("header mismatch: %+v", got)
	}
	if got.FileInfo != cmd.FileInfo {
		t.Fatalf("fileinfo mismatch: %+v != %+v", got.FileInfo, cmd.FileInfo)
	}
}

func TestReplyMarshalRoundTrip(t *testing.T) {
	r := Reply{Version: ProtocolVersion, Serial: 3, Type: ReplyMessage, Message: "phase-2 init complete"}
	buf := r.Marshal()
	if len(buf) != ReplyWireSize {
		t.Fatalf("Marshal length = %d, want %d", len(buf), ReplyWireSize)
	}

	got, err := UnmarshalReply(buf)
	if err != nil {
		t.Fatalf("UnmarshalReply: %v", err)
	}
	if got.Version != r.Version || got.Serial != r.Serial || got.Type != r.Type || got.Message != r.Message {
		t.Fatalf("mismatch: %+v != %+v", got, r)
	}
}

func TestUnmarshalCommandTooShort(t *testing.T) {
	if _, err := UnmarshalCommand(make([]byte, 4)); err == nil {
		t.Fatal("expected error for short command buffer")
	}
}

func TestUnmarshalReplyTooShort(t *testing.T) {
	if _, err := UnmarshalReply(make([]byte, 2)); err == nil {
		t.Fatal("expected error for short reply buffer")
	}
}

func TestReplyMessageTruncation(t *testing.T) {
	long := make([]byte, messagePayloadSize*2)
	for i := range long {
		long[i] = 'x'
	}
	r := Reply{Type: ReplyMessage, Message: string(long)}
	buf := r.Marshal()
	got, err := UnmarshalReply(buf)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Message) >= messagePayloadSize {
		t.Fatalf("message should be truncated to fit the fixed payload, got len %d", len(got.Message))
	}
}
