// Package frame holds the shared image buffers that cycle between the
// imager drivers, the orchestrator and the display, and builds the
// self-describing image records written to storage and sent to remote
// clients.
//
// Each buffer is allocated once at boot. Ownership transfers by
// notification: a driver owns its buffer from request to frame-signal,
// the orchestrator from frame-signal to display-done. The buffers are
// never locked; the handoff protocol is the exclusion.
package frame

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// Thermal geometry: 160x120 radiometric pixels assembled from
	// four 30-row segments, plus one 80-word telemetry row.
	ThermalWidth   = 160
	ThermalHeight  = 120
	TelemetryWords = 80

	// VisualMax bounds a JPEG capture.
	VisualMax = 65536
)

// Thermal is the shared radiometric frame slot. Pixel values are
// TLinear counts: 0.01 K/count or 0.1 K/count per Resolution.
type Thermal struct {
	Pix       [ThermalWidth * ThermalHeight]uint16
	Telemetry [TelemetryWords]uint16

	// Decoded from the telemetry row by the thermal driver.
	FPATempC   float64
	AuxTempC   float64
	LensTempC  float64
	GainMode   string // HIGH, LOW or UNKNOWN: the configured gain, AUTO as HIGH; effective gain is not read
	Resolution string // "0.1" or "0.01"
	Valid      bool
}

// Visual is the shared JPEG slot.
type Visual struct {
	Buf   [VisualMax]byte
	Len   int
	Valid bool
}

func (v *Visual) Bytes() []byte { return v.Buf[:v.Len] }

// Metadata is the always-present half of an image record. The three
// temperature fields are omitted when no thermal frame contributed.
type Metadata struct {
	Camera     string   `json:"Camera"`
	Version    string   `json:"Version"`
	Sequence   uint     `json:"Sequence Number"`
	Time       string   `json:"Time"`
	Date       string   `json:"Date"`
	Battery    float64  `json:"Battery"`
	Charge     string   `json:"Charge"`
	FPATemp    *float64 `json:"FPA Temp,omitempty"`
	AuxTemp    *float64 `json:"AUX Temp,omitempty"`
	LensTemp   *float64 `json:"Lens Temp,omitempty"`
	GainMode   string   `json:"Lepton Gain Mode"`
	Resolution string   `json:"Lepton Resolution"`
}

// Record is the composite image unit. The payloads are base64 and
// individually present.
type Record struct {
	Metadata    Metadata `json:"metadata"`
	JPEG        string   `json:"jpeg,omitempty"`
	Radiometric string   `json:"radiometric,omitempty"`
	Telemetry   string   `json:"telemetry,omitempty"`
}

// FormatTime renders t as H:MM:SS with no leading zero on the hour.
func FormatTime(t time.Time) string {
	return fmt.Sprintf("%d:%02d:%02d", t.Hour(), t.Minute(), t.Second())
}

// FormatDate renders t as M/D/YY.
func FormatDate(t time.Time) string {
	return fmt.Sprintf("%d/%d/%02d", int(t.Month()), t.Day(), t.Year()%100)
}

// Build assembles a record. vis and th contribute only when non-nil;
// base64 encoding of the payloads happens here and nowhere else.
func Build(md Metadata, vis *Visual, th *Thermal) Record {
	r := Record{Metadata: md}
	r.Metadata.GainMode = "UNKNOWN"
	r.Metadata.Resolution = "0.01"
	if vis != nil {
		r.JPEG = base64.StdEncoding.EncodeToString(vis.Bytes())
	}
	if th != nil {
		raw := make([]byte, 2*len(th.Pix))
		for i, px := range th.Pix {
			binary.BigEndian.PutUint16(raw[2*i:], px)
		}
		r.Radiometric = base64.StdEncoding.EncodeToString(raw)
		tel := make([]byte, 2*len(th.Telemetry))
		for i, w := range th.Telemetry {
			binary.BigEndian.PutUint16(tel[2*i:], w)
		}
		r.Telemetry = base64.StdEncoding.EncodeToString(tel)
		fpa, aux, lens := th.FPATempC, th.AuxTempC, th.LensTempC
		r.Metadata.FPATemp = &fpa
		r.Metadata.AuxTemp = &aux
		r.Metadata.LensTemp = &lens
		r.Metadata.GainMode = th.GainMode
		r.Metadata.Resolution = th.Resolution
	}
	return r
}

// Encode serialises the record as UTF-8 JSON.
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// EncodeFramed serialises the record wrapped in the wire protocol's
// start and stop delimiters.
func (r *Record) EncodeFramed() ([]byte, error) {
	body, err := r.Encode()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+2)
	out = append(out, 0x02)
	out = append(out, body...)
	out = append(out, 0x03)
	return out, nil
}
