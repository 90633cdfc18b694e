package schema

import (
	"errors"
	"testing"

	"github.com/danmuck/meshctl/internal/protocol/tlv"
	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

func TestValidateMeshPacketRequiredFields(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.Fixed32(PacketFrom, 0x1234),
		tlv.Fixed32(PacketTo, 0xFFFFFFFF),
		tlv.Bytes(PacketDecoded, []byte{0x08, 0x01}),
	}
	if err := Validate(MsgMeshPacket, fields); err != nil {
		t.Fatalf("validate packet: %v", err)
	}
}

func TestValidateUnknownFieldsIgnored(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.Varint(MyInfoNodeNum, 42),
		tlv.Bytes(999, []byte{0x01}),
	}
	if err := Validate(MsgMyNodeInfo, fields); err != nil {
		t.Fatalf("validate with unknown field: %v", err)
	}
}

func TestValidateMissingRequiredDeterministic(t *testing.T) {
	testlog.Start(t)
	err := Validate(MsgMyNodeInfo, []tlv.Field{tlv.Bytes(999, []byte{0x01})})
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %T %v", err, err)
	}
	if ve.Field != MyInfoNodeNum || ve.Reason != "missing required field" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

// proto3 omits zero values, so from=0 and num=0 arrive as absent fields
func TestValidateZeroValuedFieldsOmitted(t *testing.T) {
	testlog.Start(t)
	if err := Validate(MsgMeshPacket, []tlv.Field{tlv.Fixed32(PacketTo, 1)}); err != nil {
		t.Fatalf("packet without from: %v", err)
	}
	if err := Validate(MsgNodeInfo, []tlv.Field{tlv.Fixed32(NodeLastHeard, 1)}); err != nil {
		t.Fatalf("node info without num: %v", err)
	}
}

func TestValidateTypeMismatchDeterministic(t *testing.T) {
	testlog.Start(t)
	fields := []tlv.Field{
		tlv.Fixed32(PacketFrom, 7),
		tlv.Varint(PacketDecoded, 3),
	}
	err := Validate(MsgMeshPacket, fields)
	var ve ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if ve.Field != PacketDecoded || ve.Reason != "type mismatch" {
		t.Fatalf("unexpected validation error: %+v", ve)
	}
}

func TestValidateUnknownMessage(t *testing.T) {
	testlog.Start(t)
	if Known(Message(999)) {
		t.Fatalf("message 999 should be unknown")
	}
	err := Validate(Message(999), nil)
	var ve ValidationError
	if !errors.As(err, &ve) || ve.Reason != "unknown message" {
		t.Fatalf("unexpected error: %v", err)
	}
	if ve.Error() != "schema: message=Message(999): unknown message" {
		t.Fatalf("unexpected message: %s", ve.Error())
	}
}
