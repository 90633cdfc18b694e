package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/meshctl/internal/client"
	"github.com/danmuck/meshctl/internal/protocol"
	"github.com/danmuck/meshctl/internal/protocol/frame"
	"github.com/danmuck/meshctl/internal/protocol/portnum"
	"github.com/spf13/cobra"
)

func newDecodeCmd() *cobra.Command {
	var maxFrame int
	cmd := &cobra.Command{
		Use:   "decode <hex>...",
		Short: "Decode captured stream bytes into FromRadio messages",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := parseHex(strings.Join(args, ""))
			if err != nil {
				return err
			}
			return decodeStream(cmd.OutOrStdout(), raw, frame.Limits{MaxPayloadBytes: maxFrame})
		},
	}
	cmd.Flags().IntVar(&maxFrame, "max-frame", frame.DefaultMaxPayload, "largest payload accepted")
	return cmd
}

func parseHex(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\t', ':', ',':
			return -1
		}
		return r
	}, s)
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	return b, nil
}

// decodeStream feeds raw through a stream decoder, so console noise and several
// frames in one capture are handled the same way as on a live link.
func decodeStream(w io.Writer, raw []byte, limits frame.Limits) error {
	dec := frame.NewDecoder(limits)
	_, _ = dec.Write(raw)
	n := 0
	for {
		payload, err := dec.Next()
		switch {
		case errors.Is(err, frame.ErrNeedMore):
			if n == 0 {
				return errors.New("no complete frame found")
			}
			if st := dec.Stats(); st.SkippedBytes > 0 || st.BufferedBytes > 0 {
				fmt.Fprintf(w, "skipped=%d trailing=%d\n", st.SkippedBytes, st.BufferedBytes)
			}
			return nil
		case err != nil:
			fmt.Fprintf(w, "frame error: %v\n", err)
			continue
		}
		n++
		msg, err := protocol.UnmarshalFromRadio(payload)
		if err != nil {
			fmt.Fprintf(w, "#%d malformed (%d bytes): %v\n", n, len(payload), err)
			dec.Reject()
			continue
		}
		fmt.Fprintf(w, "#%d %s\n", n, describe(msg))
	}
}

func describe(m protocol.FromRadio) string {
	switch {
	case m.Packet != nil:
		return describePacket(*m.Packet)
	case m.MyInfo != nil:
		return fmt.Sprintf("my_info node=%s", protocol.NodeIDString(m.MyInfo.MyNodeNum))
	case m.NodeInfo != nil:
		name := ""
		if m.NodeInfo.User != nil {
			name = m.NodeInfo.User.LongName
		}
		return fmt.Sprintf("node_info node=%s name=%q last_heard=%d", protocol.NodeIDString(m.NodeInfo.Num), name, m.NodeInfo.LastHeard)
	case m.Channel != nil:
		return fmt.Sprintf("channel index=%d name=%q role=%s", m.Channel.Index, m.Channel.Name, m.Channel.Role)
	case m.Metadata != nil:
		return fmt.Sprintf("metadata firmware=%s", m.Metadata.FirmwareVersion)
	case m.ConfigCompleteID != 0:
		return fmt.Sprintf("config_complete id=%d", m.ConfigCompleteID)
	case m.QueueStatus != nil:
		return fmt.Sprintf("queue_status free=%d max=%d", m.QueueStatus.Free, m.QueueStatus.MaxLen)
	default:
		return m.Variant().String()
	}
}

func describePacket(env protocol.Envelope) string {
	head := fmt.Sprintf("packet id=%d from=%s to=%s", env.ID, protocol.NodeIDString(env.From), protocol.NodeIDString(env.To))
	if env.IsEncrypted() {
		return fmt.Sprintf("%s encrypted (%d bytes)", head, len(env.Encrypted))
	}
	head += " port=" + env.Port.String()
	if env.RequestID != 0 {
		head += fmt.Sprintf(" request_id=%d", env.RequestID)
	}
	var body string
	switch env.Port.Number() {
	case portnum.TextMessageApp:
		body = fmt.Sprintf("text=%q", string(env.Payload))
	case portnum.PositionApp:
		if p, err := protocol.UnmarshalPosition(env.Payload); err == nil {
			body = fmt.Sprintf("lat=%.5f lon=%.5f alt=%d", p.Latitude(), p.Longitude(), p.Altitude)
		}
	case portnum.TelemetryApp:
		if t, err := protocol.UnmarshalTelemetry(env.Payload); err == nil && t.Device != nil {
			body = fmt.Sprintf("battery=%d voltage=%.2f", t.Device.BatteryLevel, t.Device.Voltage)
		}
	case portnum.RoutingApp:
		if r, err := protocol.UnmarshalRouting(env.Payload); err == nil {
			body = "routing=" + r.ErrorReason.String()
		}
	case portnum.TracerouteApp:
		if rd, err := protocol.UnmarshalRouteDiscovery(env.Payload); err == nil {
			body = "route=" + client.FormatRoute(env.To, env.From, rd.Route)
		}
	}
	if body == "" {
		body = fmt.Sprintf("payload=%d bytes", len(env.Payload))
	}
	return head + " " + body
}
