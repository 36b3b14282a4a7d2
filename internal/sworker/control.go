package sworker

import (
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

// Control message types accepted from pages.
const (
	MsgRegisterIframeOrigin = "REGISTER_IFRAME_ORIGIN"
	MsgSetProxyHeaders      = "SET_PROXY_HEADERS"
	MsgSetLogLevel          = "SET_LOG_LEVEL"
	MsgSetNetworkConditions = "SET_NETWORK_CONDITIONS"
)

var errMalformedMessage = errors.New("malformed control message")

// HandleMessage applies one control message. Unknown types and messages
// with unusable payloads are logged and ignored (applied is false); only
// input that is not a JSON object yields an error.
func (w *Worker) HandleMessage(raw []byte) (applied bool, err error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		w.log.Warn().Int("bytes", len(raw)).Msg("ignoring malformed control message")
		return false, errMalformedMessage
	}
	typ := gjson.GetBytes(raw, "type").String()

	switch typ {
	case MsgRegisterIframeOrigin:
		origin, ok := normalizeOrigin(msgField(raw, "origin").String())
		if !ok {
			w.log.Warn().Str("type", typ).Msg("ignoring control message without a valid origin")
			return false, nil
		}
		w.iframeOrigins.Add(origin)
		w.log.Info().Str("origin", origin).Msg("registered iframe origin")
		return true, nil

	case MsgSetProxyHeaders:
		domain := normalizeDomain(msgField(raw, "domain").String())
		hdrs := msgField(raw, "headers")
		if domain == "" || !hdrs.IsObject() {
			w.log.Warn().Str("type", typ).Msg("ignoring control message without domain or headers")
			return false, nil
		}
		m := map[string]string{}
		hdrs.ForEach(func(k, v gjson.Result) bool {
			m[k.String()] = v.String()
			return true
		})
		w.proxyHeaders.Set(domain, m)
		w.log.Info().Str("domain", domain).Int("headers", len(m)).Msg("set proxy headers")
		return true, nil

	case MsgSetLogLevel:
		lvl, perr := parseLogLevel(msgField(raw, "level").String())
		if perr != nil {
			w.log.Warn().Err(perr).Msg("ignoring invalid log level")
			return false, nil
		}
		w.sink.SetLevel(lvl)
		w.log.Info().Str("level", lvl.String()).Msg("log level changed")
		return true, nil

	case MsgSetNetworkConditions:
		var patch conditionsPatch
		if v := msgField(raw, "latencyMs"); v.Exists() {
			n := v.Int()
			patch.LatencyMs = &n
		}
		if v := msgField(raw, "downloadThroughputBps"); v.Exists() {
			n := v.Int()
			patch.DownloadThroughputBps = &n
		}
		if v := msgField(raw, "uploadThroughputBps"); v.Exists() {
			n := v.Int()
			patch.UploadThroughputBps = &n
		}
		if v := msgField(raw, "offline"); v.Exists() {
			b := v.Bool()
			patch.Offline = &b
		}
		p := w.conditions.Merge(patch)
		w.log.Info().
			Int64("latencyMs", p.LatencyMs).
			Int64("downloadBps", p.DownloadThroughputBps).
			Int64("uploadBps", p.UploadThroughputBps).
			Bool("offline", p.Offline).
			Msg("network conditions changed")
		return true, nil

	default:
		w.log.Debug().Str("type", typ).Msg("ignoring unknown control message")
		return false, nil
	}
}

// msgField reads name from the message body, accepting both flat messages
// and messages that nest their fields under "payload".
func msgField(raw []byte, name string) gjson.Result {
	path := strings.ReplaceAll(name, ".", `\.`)
	if r := gjson.GetBytes(raw, "payload."+path); r.Exists() {
		return r
	}
	return gjson.GetBytes(raw, path)
}
