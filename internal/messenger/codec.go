package messenger

import "bytes"

// Envelope field numbers.
const (
	fieldRR            = 1
	fieldWindowMinutes = 2
	fieldHeartbeat     = 3
	fieldStats         = 4
	fieldHistory       = 5
	fieldText          = 6
)

// Heartbeat field numbers.
const (
	fieldHBPeriod    = 1
	fieldHBSecondary = 2
)

// Stats field numbers.
const (
	fieldStatsMessagesTotal   = 1
	fieldStatsMessagesSaved   = 2
	fieldStatsMessagesMax     = 3
	fieldStatsUpTime          = 4
	fieldStatsRequests        = 5
	fieldStatsRequestsHistory = 6
	fieldStatsHeartbeat       = 7
	fieldStatsReturnMax       = 8
	fieldStatsReturnWindow    = 9
)

// History field numbers.
const (
	fieldHistMessages    = 1
	fieldHistWindowMs    = 2
	fieldHistLastRequest = 3
)

// Text field numbers.
const (
	fieldTextBytes = 1
	fieldTextSize  = 2
)

// Encode serializes env to its protobuf-compatible wire bytes.
func Encode(env *Envelope) []byte {
	var buf bytes.Buffer

	encodeVarintField(&buf, fieldRR, uint64(env.RR))
	if env.WindowMinutes != nil {
		encodeVarintField(&buf, fieldWindowMinutes, uint64(*env.WindowMinutes))
	}
	if env.Heartbeat != nil {
		encodeMessageField(&buf, fieldHeartbeat, encodeHeartbeat(env.Heartbeat))
	}
	if env.Stats != nil {
		encodeMessageField(&buf, fieldStats, encodeStats(env.Stats))
	}
	if env.History != nil {
		encodeMessageField(&buf, fieldHistory, encodeHistory(env.History))
	}
	if env.Text != nil {
		encodeMessageField(&buf, fieldText, encodeText(env.Text))
	}

	return buf.Bytes()
}

func encodeHeartbeat(h *Heartbeat) []byte {
	var buf bytes.Buffer
	encodeVarintField(&buf, fieldHBPeriod, uint64(h.PeriodS))
	encodeVarintField(&buf, fieldHBSecondary, uint64(h.Secondary))
	return buf.Bytes()
}

func encodeStats(s *Stats) []byte {
	var buf bytes.Buffer
	encodeVarintField(&buf, fieldStatsMessagesTotal, uint64(s.MessagesTotal))
	encodeVarintField(&buf, fieldStatsMessagesSaved, uint64(s.MessagesSaved))
	encodeVarintField(&buf, fieldStatsMessagesMax, uint64(s.MessagesMax))
	encodeVarintField(&buf, fieldStatsUpTime, uint64(s.UpTimeS))
	encodeVarintField(&buf, fieldStatsRequests, uint64(s.Requests))
	encodeVarintField(&buf, fieldStatsRequestsHistory, uint64(s.RequestsHistory))
	encodeBoolField(&buf, fieldStatsHeartbeat, s.Heartbeat)
	encodeVarintField(&buf, fieldStatsReturnMax, uint64(s.ReturnMax))
	encodeVarintField(&buf, fieldStatsReturnWindow, uint64(s.ReturnWindowS))
	return buf.Bytes()
}

func encodeHistory(h *History) []byte {
	var buf bytes.Buffer
	encodeVarintField(&buf, fieldHistMessages, uint64(h.HistoryMessages))
	encodeVarintField(&buf, fieldHistWindowMs, uint64(h.WindowMs))
	encodeVarintField(&buf, fieldHistLastRequest, uint64(h.LastRequest))
	return buf.Bytes()
}

func encodeText(t *Text) []byte {
	var buf bytes.Buffer
	encodeBytesField(&buf, fieldTextBytes, t.Bytes)
	encodeVarintField(&buf, fieldTextSize, uint64(t.Size))
	return buf.Bytes()
}

// Decode parses the wire bytes produced by Encode, returning
// ErrProtocolDecode for any malformed field (spec.md §7).
func Decode(data []byte) (*Envelope, error) {
	c := &cursor{data: data}
	env := &Envelope{}

	for !c.done() {
		fieldNum, wt, err := c.readTag()
		if err != nil {
			return nil, err
		}
		switch fieldNum {
		case fieldRR:
			v, err := c.readVarint()
			if err != nil {
				return nil, err
			}
			env.RR = RR(v)
		case fieldWindowMinutes:
			v, err := c.readVarint()
			if err != nil {
				return nil, err
			}
			w := uint32(v)
			env.WindowMinutes = &w
		case fieldHeartbeat:
			body, err := c.readLenDelimited()
			if err != nil {
				return nil, err
			}
			hb, err := decodeHeartbeat(body)
			if err != nil {
				return nil, err
			}
			env.Heartbeat = hb
		case fieldStats:
			body, err := c.readLenDelimited()
			if err != nil {
				return nil, err
			}
			st, err := decodeStats(body)
			if err != nil {
				return nil, err
			}
			env.Stats = st
		case fieldHistory:
			body, err := c.readLenDelimited()
			if err != nil {
				return nil, err
			}
			h, err := decodeHistory(body)
			if err != nil {
				return nil, err
			}
			env.History = h
		case fieldText:
			body, err := c.readLenDelimited()
			if err != nil {
				return nil, err
			}
			txt, err := decodeText(body)
			if err != nil {
				return nil, err
			}
			env.Text = txt
		default:
			if err := c.skipField(wt); err != nil {
				return nil, err
			}
		}
	}

	if env.RR == RRUnset {
		return nil, ErrProtocolDecode
	}
	return env, nil
}

func decodeHeartbeat(data []byte) (*Heartbeat, error) {
	c := &cursor{data: data}
	hb := &Heartbeat{}
	for !c.done() {
		fieldNum, wt, err := c.readTag()
		if err != nil {
			return nil, err
		}
		switch fieldNum {
		case fieldHBPeriod:
			v, err := c.readVarint()
			if err != nil {
				return nil, err
			}
			hb.PeriodS = uint32(v)
		case fieldHBSecondary:
			v, err := c.readVarint()
			if err != nil {
				return nil, err
			}
			hb.Secondary = uint32(v)
		default:
			if err := c.skipField(wt); err != nil {
				return nil, err
			}
		}
	}
	return hb, nil
}

func decodeStats(data []byte) (*Stats, error) {
	c := &cursor{data: data}
	s := &Stats{}
	for !c.done() {
		fieldNum, wt, err := c.readTag()
		if err != nil {
			return nil, err
		}
		var v uint64
		if wt == wireVarint {
			v, err = c.readVarint()
			if err != nil {
				return nil, err
			}
		}
		switch fieldNum {
		case fieldStatsMessagesTotal:
			s.MessagesTotal = uint32(v)
		case fieldStatsMessagesSaved:
			s.MessagesSaved = uint32(v)
		case fieldStatsMessagesMax:
			s.MessagesMax = uint32(v)
		case fieldStatsUpTime:
			s.UpTimeS = uint32(v)
		case fieldStatsRequests:
			s.Requests = uint32(v)
		case fieldStatsRequestsHistory:
			s.RequestsHistory = uint32(v)
		case fieldStatsHeartbeat:
			s.Heartbeat = v != 0
		case fieldStatsReturnMax:
			s.ReturnMax = uint32(v)
		case fieldStatsReturnWindow:
			s.ReturnWindowS = uint32(v)
		default:
			if wt != wireVarint {
				if err := c.skipField(wt); err != nil {
					return nil, err
				}
			}
		}
	}
	return s, nil
}

func decodeHistory(data []byte) (*History, error) {
	c := &cursor{data: data}
	h := &History{}
	for !c.done() {
		fieldNum, wt, err := c.readTag()
		if err != nil {
			return nil, err
		}
		switch fieldNum {
		case fieldHistMessages:
			v, err := c.readVarint()
			if err != nil {
				return nil, err
			}
			h.HistoryMessages = uint32(v)
		case fieldHistWindowMs:
			v, err := c.readVarint()
			if err != nil {
				return nil, err
			}
			h.WindowMs = uint32(v)
		case fieldHistLastRequest:
			v, err := c.readVarint()
			if err != nil {
				return nil, err
			}
			h.LastRequest = uint32(v)
		default:
			if err := c.skipField(wt); err != nil {
				return nil, err
			}
		}
	}
	return h, nil
}

func decodeText(data []byte) (*Text, error) {
	c := &cursor{data: data}
	t := &Text{}
	for !c.done() {
		fieldNum, wt, err := c.readTag()
		if err != nil {
			return nil, err
		}
		switch fieldNum {
		case fieldTextBytes:
			b, err := c.readLenDelimited()
			if err != nil {
				return nil, err
			}
			t.Bytes = append([]byte(nil), b...)
		case fieldTextSize:
			v, err := c.readVarint()
			if err != nil {
				return nil, err
			}
			t.Size = uint32(v)
		default:
			if err := c.skipField(wt); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}
