package srej

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// Config collects the protocol tunables. The zero value is not usable,
// start from DefaultConfig.
type Config struct {
	// bounded retry limits
	MaxRetransmit      int // per packet retransmissions before force-advance
	InitRetryLimit     int // handshake attempts on either side
	EOFRetryLimit      int // EOF attempts before giving up
	EOFAcceptAfter     int // EOF attempts after which any response completes the transfer
	ForceAdvanceAfter  int // consecutive sender timeouts before force-advance
	MaxConsecutiveIdle int // receiver poll timeouts before terminating

	// terminal storm heuristics
	TerminalRRCount     int // final RRs the receiver sends on EOF
	NotFoundRepeat      int // "file not found" responses sent without awaiting ack
	HandshakeBreakAfter int // OK responses sent without a client retry before assuming it landed

	// timeouts
	DataTimeout         time.Duration // sender poll while the window is full
	ReceiverTimeout     time.Duration // receiver poll for the next data packet
	HandshakeTimeout    time.Duration // client wait for a FILENAME_RESP
	HandshakeAckTimeout time.Duration // server wait for the implicit handshake ack
	EOFTimeout          time.Duration // sender wait for the terminal RR

	// ForceAdvance enables the bounded-retry escape hatch: after repeated
	// delivery failure the sender advances past a packet, accepting data
	// loss over deadlock. Disable only for lossless test oracles.
	ForceAdvance bool
}

func DefaultConfig() *Config {
	return &Config{
		MaxRetransmit:      10,
		InitRetryLimit:     10,
		EOFRetryLimit:      10,
		EOFAcceptAfter:     5,
		ForceAdvanceAfter:  10,
		MaxConsecutiveIdle: 15,

		TerminalRRCount:     3,
		NotFoundRepeat:      3,
		HandshakeBreakAfter: 3,

		DataTimeout:         1000 * time.Millisecond,
		ReceiverTimeout:     10000 * time.Millisecond,
		HandshakeTimeout:    5000 * time.Millisecond,
		HandshakeAckTimeout: 1000 * time.Millisecond,
		EOFTimeout:          1000 * time.Millisecond,

		ForceAdvance: true,
	}
}

// LoadConfig reads tunables from an ini file, keeping defaults for any key
// not present. Sections: [retry], [terminal], [timeouts].
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	file, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("could not load config %v : %w", path, err)
	}

	retry := file.Section("retry")
	cfg.MaxRetransmit = retry.Key("max_retransmit").MustInt(cfg.MaxRetransmit)
	cfg.InitRetryLimit = retry.Key("init_retry_limit").MustInt(cfg.InitRetryLimit)
	cfg.EOFRetryLimit = retry.Key("eof_retry_limit").MustInt(cfg.EOFRetryLimit)
	cfg.EOFAcceptAfter = retry.Key("eof_accept_after").MustInt(cfg.EOFAcceptAfter)
	cfg.ForceAdvanceAfter = retry.Key("force_advance_after").MustInt(cfg.ForceAdvanceAfter)
	cfg.MaxConsecutiveIdle = retry.Key("max_consecutive_idle").MustInt(cfg.MaxConsecutiveIdle)
	cfg.ForceAdvance = retry.Key("force_advance").MustBool(cfg.ForceAdvance)

	terminal := file.Section("terminal")
	cfg.TerminalRRCount = terminal.Key("rr_count").MustInt(cfg.TerminalRRCount)
	cfg.NotFoundRepeat = terminal.Key("not_found_repeat").MustInt(cfg.NotFoundRepeat)
	cfg.HandshakeBreakAfter = terminal.Key("handshake_break_after").MustInt(cfg.HandshakeBreakAfter)

	timeouts := file.Section("timeouts")
	cfg.DataTimeout = msKey(timeouts, "data_ms", cfg.DataTimeout)
	cfg.ReceiverTimeout = msKey(timeouts, "receiver_ms", cfg.ReceiverTimeout)
	cfg.HandshakeTimeout = msKey(timeouts, "handshake_ms", cfg.HandshakeTimeout)
	cfg.HandshakeAckTimeout = msKey(timeouts, "handshake_ack_ms", cfg.HandshakeAckTimeout)
	cfg.EOFTimeout = msKey(timeouts, "eof_ms", cfg.EOFTimeout)

	return cfg, nil
}

func msKey(section *ini.Section, name string, fallback time.Duration) time.Duration {
	ms := section.Key(name).MustInt(int(fallback / time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}
