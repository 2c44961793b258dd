package signal

import (
	"time"

	"github.com/go-viper/mapstructure/v2"

	"github.com/dkeye/callsig/internal/domain"
)

func decode(doc string, input map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     out,
		TagName:    "mapstructure",
		DecodeHook: mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return &domain.DecodeError{Doc: doc, Err: err}
	}
	return nil
}

func decodeRecord(id domain.CallID, data map[string]any) (*domain.SignalingRecord, error) {
	rec := &domain.SignalingRecord{ID: id}
	if err := decode(recordPath(id), data, rec); err != nil {
		return nil, err
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeCandidate(doc string, data map[string]any) (domain.ICECandidate, error) {
	var c domain.ICECandidate
	if err := decode(doc, data, &c); err != nil {
		return c, err
	}
	return c, c.Validate(doc)
}

func descriptionData(d domain.SessionDescription) map[string]any {
	return map[string]any{"type": string(d.Type), "sdp": d.SDP}
}

func candidateData(c domain.ICECandidate) map[string]any {
	data := map[string]any{"candidate": c.Candidate}
	if c.SDPMid != nil {
		data["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		data["sdpMLineIndex"] = int(*c.SDPMLineIndex)
	}
	if c.UsernameFragment != nil {
		data["usernameFragment"] = *c.UsernameFragment
	}
	return data
}
