package protocol

import (
	"fmt"

	"github.com/danmuck/meshctl/internal/protocol/schema"
	"github.com/danmuck/meshctl/internal/protocol/tlv"
	"google.golang.org/protobuf/encoding/protowire"
)

// AdminMessage is one arm of the firmware's admin oneof. Arms the client does not
// model keep their raw field so they survive a decode/encode pass.
type AdminMessage struct {
	Variant  protowire.Number
	Flag     bool
	NodeNum  uint32
	Seconds  int32
	Owner    *User
	Metadata *DeviceMetadata
	Raw      *tlv.Field
}

func AdminGetOwner() AdminMessage {
	return AdminMessage{Variant: schema.AdminGetOwnerRequest, Flag: true}
}

func AdminSetOwner(u User) AdminMessage {
	return AdminMessage{Variant: schema.AdminSetOwner, Owner: &u}
}

func AdminGetDeviceMetadata() AdminMessage {
	return AdminMessage{Variant: schema.AdminGetDeviceMetadataRequest, Flag: true}
}

func AdminRemoveNode(num uint32) AdminMessage {
	return AdminMessage{Variant: schema.AdminRemoveByNodeNum, NodeNum: num}
}

func AdminSetFavorite(num uint32) AdminMessage {
	return AdminMessage{Variant: schema.AdminSetFavoriteNode, NodeNum: num}
}

func AdminRemoveFavorite(num uint32) AdminMessage {
	return AdminMessage{Variant: schema.AdminRemoveFavoriteNode, NodeNum: num}
}

func AdminReboot(seconds int32) AdminMessage {
	return AdminMessage{Variant: schema.AdminRebootSeconds, Seconds: seconds}
}

// ExpectsResponse reports whether the device answers with an admin payload. Other
// arms are acknowledged by a routing packet only.
func (a AdminMessage) ExpectsResponse() bool {
	switch a.Variant {
	case schema.AdminGetOwnerRequest, schema.AdminGetDeviceMetadataRequest:
		return true
	default:
		return false
	}
}

func (a AdminMessage) String() string {
	switch a.Variant {
	case schema.AdminGetOwnerRequest:
		return "get_owner_request"
	case schema.AdminGetOwnerResponse:
		return "get_owner_response"
	case schema.AdminGetDeviceMetadataRequest:
		return "get_device_metadata_request"
	case schema.AdminGetDeviceMetadataResp:
		return "get_device_metadata_response"
	case schema.AdminSetOwner:
		return "set_owner"
	case schema.AdminRemoveByNodeNum:
		return "remove_by_nodenum"
	case schema.AdminSetFavoriteNode:
		return "set_favorite_node"
	case schema.AdminRemoveFavoriteNode:
		return "remove_favorite_node"
	case schema.AdminRebootSeconds:
		return "reboot_seconds"
	default:
		return fmt.Sprintf("admin_%d", int32(a.Variant))
	}
}

func MarshalAdmin(a AdminMessage) ([]byte, error) {
	var f tlv.Field
	switch a.Variant {
	case schema.AdminGetOwnerRequest, schema.AdminGetDeviceMetadataRequest:
		f = tlv.Bool(a.Variant, a.Flag)
	case schema.AdminGetOwnerResponse, schema.AdminSetOwner:
		if a.Owner == nil {
			return nil, fmt.Errorf("protocol: admin %s requires owner", a)
		}
		f = tlv.Bytes(a.Variant, MarshalUser(*a.Owner))
	case schema.AdminGetDeviceMetadataResp:
		if a.Metadata == nil {
			return nil, fmt.Errorf("protocol: admin %s requires metadata", a)
		}
		f = tlv.Bytes(a.Variant, MarshalDeviceMetadata(*a.Metadata))
	case schema.AdminRemoveByNodeNum, schema.AdminSetFavoriteNode, schema.AdminRemoveFavoriteNode:
		f = tlv.Varint(a.Variant, uint64(a.NodeNum))
	case schema.AdminRebootSeconds:
		f = tlv.Int32(a.Variant, a.Seconds)
	default:
		if a.Raw == nil {
			return nil, fmt.Errorf("protocol: admin variant %d has no body", int32(a.Variant))
		}
		f = *a.Raw
	}
	return tlv.EncodeFields([]tlv.Field{f}), nil
}

func UnmarshalAdmin(b []byte) (AdminMessage, error) {
	fields, err := scan(schema.MsgAdmin, b)
	if err != nil {
		return AdminMessage{}, err
	}
	if len(fields) == 0 {
		return AdminMessage{}, fmt.Errorf("%w: admin message has no variant", ErrMalformed)
	}
	// oneof: the last arm on the wire wins
	f := fields[len(fields)-1]
	out := AdminMessage{Variant: f.Num}
	switch f.Num {
	case schema.AdminGetOwnerRequest, schema.AdminGetDeviceMetadataRequest:
		out.Flag = f.Bool()
	case schema.AdminGetOwnerResponse, schema.AdminSetOwner:
		u, err := UnmarshalUser(f.Value)
		if err != nil {
			return AdminMessage{}, err
		}
		out.Owner = &u
	case schema.AdminGetDeviceMetadataResp:
		md, err := UnmarshalDeviceMetadata(f.Value)
		if err != nil {
			return AdminMessage{}, err
		}
		out.Metadata = &md
	case schema.AdminRemoveByNodeNum, schema.AdminSetFavoriteNode, schema.AdminRemoveFavoriteNode:
		out.NodeNum = f.Uint32()
	case schema.AdminRebootSeconds:
		out.Seconds = f.Int32()
	default:
		raw := f
		out.Raw = &raw
	}
	return out, nil
}
