// Package command is the remote command responder: a single-client
// TCP listener speaking framed JSON commands. State queries are
// answered in place; image requests are forwarded to the orchestrator
// and answered from the shared response buffer when it signals back.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"golang.org/x/net/netutil"

	"github.com/danjulio/firecam/frame"
	"github.com/danjulio/firecam/notify"
	"github.com/danjulio/firecam/rtc"
	"github.com/danjulio/firecam/sensors"
	"github.com/danjulio/firecam/store"
	"github.com/danjulio/firecam/wifi"
)

// Port is the command channel's TCP port.
const Port = 5001

// sendChunk bounds one socket write.
const sendChunk = 1024

// responseDeadline bounds the wait for an asynchronous response.
const responseDeadline = 1500 * time.Millisecond

// Request bits owned by the responder.
const (
	// ReqImageReady: the orchestrator has populated the response
	// buffer.
	ReqImageReady notify.Mask = 1 << iota
)

// OrchSignals carries the orchestrator-bound masks.
type OrchSignals struct {
	Orch *notify.Notifier

	StartRecord   notify.Mask
	StopRecord    notify.Mask
	ImageRequest  notify.Mask
	ImageDone     notify.Mask
	Poweroff      notify.Mask
	NewWifi       notify.Mask
	ParamsUpdated notify.Mask
}

// Task is the command responder activity.
type Task struct {
	Store     *store.Store
	Sensors   func() sensors.Status
	Clock     rtc.Clock
	Version   string
	Recording func() bool

	Signals OrchSignals
	Req     *notify.Notifier

	// Response is the shared response buffer, owned by the
	// orchestrator from ImageRequest until ReqImageReady.
	Response []byte

	ln net.Listener
}

// ListenAndServe accepts clients on the command port, one at a time.
func (t *Task) ListenAndServe() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", Port))
	if err != nil {
		return fmt.Errorf("command: %w", err)
	}
	t.Serve(ln)
	return nil
}

// Serve runs the accept loop on ln until it is closed.
func (t *Task) Serve(ln net.Listener) {
	t.ln = netutil.LimitListener(ln, 1)
	for {
		conn, err := t.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("command: accept: %v", err)
			continue
		}
		t.serveConn(conn)
	}
}

// Close stops the accept loop.
func (t *Task) Close() {
	if t.ln != nil {
		t.ln.Close()
	}
}

func (t *Task) serveConn(conn net.Conn) {
	defer conn.Close()
	var p parser
	buf := make([]byte, rxSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		p.push(buf[:n])
		for {
			cmd := p.next()
			if cmd == nil {
				break
			}
			resp, err := t.dispatch(cmd)
			if err == errAsync {
				t.getImage(conn)
				continue
			}
			if err != nil {
				// Protocol violations keep the connection open.
				log.Printf("command: %v", err)
				continue
			}
			if resp == nil {
				continue
			}
			if err := t.send(conn, resp); err != nil {
				log.Printf("command: send: %v", err)
				return
			}
		}
	}
}

// send writes a framed response in bounded chunks.
func (t *Task) send(conn net.Conn, body []byte) error {
	out := make([]byte, 0, len(body)+2)
	out = append(out, STX)
	out = append(out, body...)
	out = append(out, ETX)
	return t.sendRaw(conn, out)
}

func (t *Task) sendRaw(conn net.Conn, out []byte) error {
	for len(out) > 0 {
		n := len(out)
		if n > sendChunk {
			n = sendChunk
		}
		if _, err := conn.Write(out[:n]); err != nil {
			return err
		}
		out = out[n:]
	}
	return nil
}

type request struct {
	Cmd  string          `json:"cmd"`
	Args json.RawMessage `json:"args"`
}

// dispatch routes one decoded command. A nil, nil return means no
// response is due; async responses are sent inside the handler.
func (t *Task) dispatch(raw []byte) ([]byte, error) {
	var req request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("malformed command %q: %v", raw, err)
	}
	switch req.Cmd {
	case "get_status":
		return t.getStatus()
	case "get_config":
		return t.getConfig()
	case "set_config":
		return nil, t.setConfig(req.Args)
	case "set_time":
		return nil, t.setTime(req.Args)
	case "get_wifi":
		return t.getWifi()
	case "set_wifi":
		return nil, t.setWifi(req.Args)
	case "record_on":
		t.Signals.Orch.Set(t.Signals.StartRecord)
		return nil, nil
	case "record_off":
		t.Signals.Orch.Set(t.Signals.StopRecord)
		return nil, nil
	case "poweroff":
		t.Signals.Orch.Set(t.Signals.Poweroff)
		return nil, nil
	case "get_image":
		return nil, errAsync
	default:
		return nil, fmt.Errorf("unknown command %q", req.Cmd)
	}
}

// errAsync marks commands answered outside dispatch.
var errAsync = errors.New("async")

func (t *Task) getStatus() ([]byte, error) {
	cfg := t.Store.Snapshot()
	st := t.Sensors()
	now := t.Clock.Now()
	rec := 0
	if t.Recording() {
		rec = 1
	}
	return json.Marshal(struct {
		Status statusBody `json:"status"`
	}{statusBody{
		Camera:    cfg.Wifi.APSSID,
		Version:   t.Version,
		Recording: rec,
		Time:      frame.FormatTime(now),
		Date:      frame.FormatDate(now),
		Battery:   st.BatteryVolts,
		Charge:    st.Charge.String(),
	}})
}

type statusBody struct {
	Camera    string  `json:"Camera"`
	Version   string  `json:"Version"`
	Recording int     `json:"Recording"`
	Time      string  `json:"Time"`
	Date      string  `json:"Date"`
	Battery   float64 `json:"Battery"`
	Charge    string  `json:"Charge"`
}

type configBody struct {
	ArducamEnable  *int `json:"arducam_enable,omitempty"`
	LeptonEnable   *int `json:"lepton_enable,omitempty"`
	GainMode       *int `json:"gain_mode,omitempty"`
	RecordInterval *int `json:"record_interval,omitempty"`
}

func (t *Task) getConfig() ([]byte, error) {
	cfg := t.Store.Snapshot()
	b2i := func(b bool) *int {
		v := 0
		if b {
			v = 1
		}
		return &v
	}
	gain := int(cfg.Gain)
	iv := cfg.Interval
	return json.Marshal(struct {
		Config configBody `json:"config"`
	}{configBody{
		ArducamEnable:  b2i(cfg.RecordVisual),
		LeptonEnable:   b2i(cfg.RecordThermal),
		GainMode:       &gain,
		RecordInterval: &iv,
	}})
}

func (t *Task) setConfig(args json.RawMessage) error {
	var body configBody
	if err := json.Unmarshal(args, &body); err != nil {
		return fmt.Errorf("set_config: %v", err)
	}
	err := t.Store.Update(func(c *store.Config) {
		if body.ArducamEnable != nil {
			c.RecordVisual = *body.ArducamEnable != 0
		}
		if body.LeptonEnable != nil {
			c.RecordThermal = *body.LeptonEnable != 0
		}
		if body.GainMode != nil && *body.GainMode >= 0 && *body.GainMode <= int(store.GainAuto) {
			c.Gain = store.GainMode(*body.GainMode)
		}
		if body.RecordInterval != nil {
			c.Interval = store.SnapInterval(*body.RecordInterval)
		}
	})
	if err != nil {
		return err
	}
	t.Signals.Orch.Set(t.Signals.ParamsUpdated)
	return nil
}

func (t *Task) setTime(args json.RawMessage) error {
	var body struct {
		Sec  *int `json:"sec"`
		Min  *int `json:"min"`
		Hour *int `json:"hour"`
		Dow  *int `json:"dow"`
		Day  *int `json:"day"`
		Mon  *int `json:"mon"`
		Year *int `json:"year"`
	}
	if err := json.Unmarshal(args, &body); err != nil {
		return fmt.Errorf("set_time: %v", err)
	}
	for _, f := range []*int{body.Sec, body.Min, body.Hour, body.Dow, body.Day, body.Mon, body.Year} {
		if f == nil {
			return errors.New("set_time: missing field")
		}
	}
	e := rtc.Elements{
		Second: *body.Sec,
		Minute: *body.Min,
		Hour:   *body.Hour,
		Wday:   *body.Dow,
		Day:    *body.Day,
		Month:  *body.Mon,
		Year:   *body.Year,
	}
	return t.Clock.Set(rtc.Make(e))
}

type wifiBody struct {
	APSSID  *string `json:"ap_ssid,omitempty"`
	APPw    *string `json:"ap_pw,omitempty"`
	STASSID *string `json:"sta_ssid,omitempty"`
	STAPw   *string `json:"sta_pw,omitempty"`
	Flags   *int    `json:"flags,omitempty"`
	APIP    *string `json:"ap_ip_addr,omitempty"`
	STAIP   *string `json:"sta_ip_addr,omitempty"`
	CurIP   *string `json:"cur_ip_addr,omitempty"`
}

func (t *Task) getWifi() ([]byte, error) {
	cfg := t.Store.Snapshot().Wifi
	flags := int(cfg.Flags)
	ap, sta, cur := cfg.APIP.String(), cfg.STAIP.String(), cfg.CurIP.String()
	return json.Marshal(struct {
		Wifi wifiBody `json:"wifi"`
	}{wifiBody{
		APSSID:  &cfg.APSSID,
		STASSID: &cfg.STASSID,
		Flags:   &flags,
		APIP:    &ap,
		STAIP:   &sta,
		CurIP:   &cur,
	}})
}

func (t *Task) setWifi(args json.RawMessage) error {
	var body wifiBody
	if err := json.Unmarshal(args, &body); err != nil {
		return fmt.Errorf("set_wifi: %v", err)
	}
	err := t.Store.Update(func(c *store.Config) {
		w := &c.Wifi
		if body.APSSID != nil {
			w.APSSID = clip(*body.APSSID)
		}
		if body.APPw != nil && wifi.ValidPassword(*body.APPw) {
			w.APPass = *body.APPw
		}
		if body.STASSID != nil {
			w.STASSID = clip(*body.STASSID)
		}
		if body.STAPw != nil && wifi.ValidPassword(*body.STAPw) {
			w.STAPass = *body.STAPw
		}
		if body.Flags != nil {
			w.SetUserFlags(byte(*body.Flags))
		}
		if body.APIP != nil {
			if a, err := wifi.ParseIP4(*body.APIP); err == nil {
				w.APIP = a
			}
		}
		if body.STAIP != nil {
			if a, err := wifi.ParseIP4(*body.STAIP); err == nil {
				w.STAIP = a
			}
		}
	})
	if err != nil {
		return err
	}
	// The client is expected to close the socket right after; the
	// restart may tear the interface down underneath it.
	t.Signals.Orch.Set(t.Signals.NewWifi)
	return nil
}

func clip(s string) string {
	if len(s) > wifi.MaxNameLen {
		return s[:wifi.MaxNameLen]
	}
	return s
}

// getImage forwards the request and waits for the orchestrator to
// fill the response buffer.
func (t *Task) getImage(conn net.Conn) {
	t.Req.Steal() // clear any stale ready bit
	t.Signals.Orch.Set(t.Signals.ImageRequest)
	m, ok := t.Req.Wait(responseDeadline)
	if !ok || m&ReqImageReady == 0 {
		log.Printf("command: get_image timed out, dropping request")
		return
	}
	// The buffer is already framed.
	if err := t.sendRaw(conn, t.Response); err != nil {
		log.Printf("command: send image: %v", err)
		conn.Close()
	}
	// Return buffer ownership to the orchestrator.
	t.Signals.Orch.Set(t.Signals.ImageDone)
}
