package model

import "strconv"

// Itoa formats n in base 10 using a stack buffer.
func Itoa(n int) string {
	var buf [20]byte
	return string(strconv.AppendInt(buf[:0], int64(n), 10))
}

// SeriesKey returns "symbol:tf", the identity of a candle or indicator series.
func SeriesKey(symbol string, tf int) string {
	buf := make([]byte, 0, len(symbol)+8)
	buf = append(buf, symbol...)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(tf), 10)
	return string(buf)
}
