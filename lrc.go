// Copyright 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package modbus

// lrc implements the Modbus ASCII LRC accumulator: the two's complement
// of the sum of all pushed bytes, mod 256.
type lrc uint8

func (l *lrc) reset() *lrc {
	*l = 0
	return l
}

func (l *lrc) pushByte(b byte) *lrc {
	*l += lrc(b)
	return l
}

func (l *lrc) pushBytes(data []byte) *lrc {
	for _, b := range data {
		l.pushByte(b)
	}
	return l
}

func (l *lrc) value() byte {
	return byte(-int8(*l))
}

// lrc8 computes the Modbus ASCII LRC of data. LRC of an empty slice is 0.
func lrc8(data []byte) byte {
	var l lrc
	l.reset().pushBytes(data)
	return l.value()
}
