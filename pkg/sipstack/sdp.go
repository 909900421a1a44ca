package sipstack

import (
	"time"

	"github.com/pion/sdp/v3"
	"github.com/pkg/errors"
)

// buildAudioSDP собирает аудио-оффер G.711 (PCMU/PCMA + telephone-event).
// При hold медиапоток помечается sendonly.
func buildAudioSDP(host string, rtpPort int, hold bool) ([]byte, error) {
	direction := "sendrecv"
	if hold {
		direction = "sendonly"
	}

	now := uint64(time.Now().Unix())
	desc := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "agent_phone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: rtpPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0", "8", "101"},
				},
				Attributes: []sdp.Attribute{
					{Key: "rtpmap", Value: "0 PCMU/8000"},
					{Key: "rtpmap", Value: "8 PCMA/8000"},
					{Key: "rtpmap", Value: "101 telephone-event/8000"},
					{Key: "fmtp", Value: "101 0-16"},
					{Key: direction},
					{Key: "ptime", Value: "20"},
				},
			},
		},
	}

	out, err := desc.Marshal()
	return out, errors.Wrap(err, "marshal sdp")
}
