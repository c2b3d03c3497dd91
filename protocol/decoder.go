package protocol

// Decoder 增量解码器，适用于以任意边界到达的字节流
//
// 不完整的数据会被缓存到下一次 Feed，遇到协议错误后解码器失效。
type Decoder struct {
	buf []byte
	err error
}

// Feed 追加数据并返回其中所有完整的帧
func (d *Decoder) Feed(p []byte) ([]*Frame, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, p...)

	var frames []*Frame
	for len(d.buf) >= HeaderLength {
		h, err := ParseHeader(d.buf[:HeaderLength])
		if err != nil {
			d.err = err
			d.buf = nil
			return frames, err
		}
		total := HeaderLength + int(h.BodyLength)
		if len(d.buf) < total {
			break
		}
		body := make([]byte, h.BodyLength)
		copy(body, d.buf[HeaderLength:total])
		frames = append(frames, &Frame{Header: h, Body: body})
		d.buf = d.buf[total:]
	}

	// 剩余数据搬到新切片，避免长期持有已消费的大缓冲
	if len(d.buf) == 0 {
		d.buf = nil
	} else if cap(d.buf) > 4*len(d.buf) && cap(d.buf) > 4096 {
		d.buf = append([]byte(nil), d.buf...)
	}
	return frames, nil
}

// Buffered 返回尚未组成完整帧的字节数
func (d *Decoder) Buffered() int {
	return len(d.buf)
}
