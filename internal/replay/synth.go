package replay

// SynthesizeCandle builds the in-progress bar for bucketStart from
// prints with ts_event in [bucketStart, min(playhead, bucket end)].
// With no prints yet, the bar is flat at the previous bar's close with
// zero volume. ok is false only when there are no prints and no prior
// bar to carry a close from.
func (d *Dataset) SynthesizeCandle(bucketStart, playhead int64) (CandleEvent, bool) {
	hi := bucketStart + d.TFNanosLoaded() - 1
	if playhead < hi {
		hi = playhead
	}

	i0, i1 := SearchRange(d.TradeTS, bucketStart, hi)
	if i1 > i0 {
		ev := CandleEvent{
			Type: KindCandle,
			T:    bucketStart,
			O:    d.TradePxN[i0],
			H:    d.TradePxN[i0],
			L:    d.TradePxN[i0],
			C:    d.TradePxN[i1-1],
		}
		for i := i0; i < i1; i++ {
			px := d.TradePxN[i]
			if px > ev.H {
				ev.H = px
			}
			if px < ev.L {
				ev.L = px
			}
			ev.V += uint64(d.TradeSz[i])
		}
		return ev, true
	}

	// no prints this bucket yet: flat bar at the prior close
	j := SearchAtOrBefore(d.BarTS, bucketStart-1)
	if j < 0 {
		return CandleEvent{}, false
	}
	c := d.BarC[j]
	return CandleEvent{Type: KindCandle, T: bucketStart, O: c, H: c, L: c, C: c, V: 0}, true
}
