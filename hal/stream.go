package hal

// Packet is one encoded fragment. Data is borrowed from a backend buffer
// and is valid only until the batch it came from is freed.
type Packet struct {
	Data   []byte
	Length uint32
	Offset uint32
}

// Payload returns the usable region [Offset, Length) of the packet.
func (p Packet) Payload() []byte {
	end := int(p.Length)
	if end > len(p.Data) {
		end = len(p.Data)
	}
	start := int(p.Offset)
	if start > end {
		return nil
	}
	return p.Data[start:end]
}

// PacketBatch is one retrieval cycle of a channel in backend-neutral form.
type PacketBatch struct {
	Sequence uint32
	Count    int
	Packets  []Packet
}

// Size returns the total payload bytes of the batch.
func (b *PacketBatch) Size() int {
	n := 0
	for _, p := range b.Packets {
		n += len(p.Payload())
	}
	return n
}

// NativeStream is a vendor batch obtained from Encoder.Fetch. It must be
// handed back to Encoder.Free exactly once.
type NativeStream interface {
	Len() int
	Sequence() uint32
	Packet(i int) Packet
}
