package core

import "sync"

// ── Codec table ───────────────────────────────────────────────────────────────

type codecPair struct {
	dec Decoder
	enc Encoder
}

// Codecs is the Registry used by engines that decode and encode in Go.
// A format may have only one half registered; bmp, for example, is
// decode-only.
type Codecs struct {
	mu     sync.RWMutex
	byType map[Format]codecPair
}

var _ Registry = (*Codecs)(nil)

// NewCodecs returns an empty table.
func NewCodecs() *Codecs {
	return &Codecs{byType: make(map[Format]codecPair)}
}

// Register sets the decoder and encoder for f. A nil half leaves any
// previously registered one in place. Returns the table for chaining.
func (c *Codecs) Register(f Format, dec Decoder, enc Encoder) *Codecs {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.byType[f]
	if dec != nil {
		p.dec = dec
	}
	if enc != nil {
		p.enc = enc
	}
	c.byType[f] = p
	return c
}

func (c *Codecs) DecoderFor(f Format) (Decoder, bool) {
	c.mu.RLock()
	p := c.byType[f]
	c.mu.RUnlock()
	return p.dec, p.dec != nil
}

func (c *Codecs) EncoderFor(f Format) (Encoder, bool) {
	c.mu.RLock()
	p := c.byType[f]
	c.mu.RUnlock()
	return p.enc, p.enc != nil
}

// Encodable lists the output formats with an encoder, in OutputFormats order.
func (c *Codecs) Encodable() []Format {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Format, 0, len(c.byType))
	for _, f := range OutputFormats {
		if c.byType[f].enc != nil {
			out = append(out, f)
		}
	}
	return out
}
