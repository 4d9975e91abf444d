package tcp

import (
	"time"

	"github.com/usertcp/usertcp/seqnum"
)

// rtoSample records when a segment starting at a given sequence number was
// last transmitted, and whether that transmission was a retransmission. Karn's
// algorithm excludes retransmitted ranges from RTT sampling so a late ACK
// for a retransmitted segment can't be mistaken for a sample of the
// original transmission.
type rtoSample struct {
	sentAt        time.Time
	retransmitted bool
}

// retransmitTimer is the per-connection timer map plus SRTT estimator.
type retransmitTimer struct {
	sendTimes map[seqnum.Value]rtoSample
	srtt      time.Duration
}

// initialSRTT is conservatively large so the very first segment sent on a
// connection is never retransmitted prematurely while the real RTT is still
// unknown.
const initialSRTT = 60 * time.Second

// minRTO is the floor on the retransmit threshold regardless of how small
// SRTT has become.
const minRTO = 1 * time.Second

// srttAlpha is the EWMA weight given to the existing estimate.
const srttAlpha = 0.8

func newRetransmitTimer() *retransmitTimer {
	return &retransmitTimer{
		sendTimes: make(map[seqnum.Value]rtoSample),
		srtt:      initialSRTT,
	}
}

// recordSend notes that a segment starting at seq was (re)transmitted at now.
// retransmit is true when the segment is a retransmission: on_tick's
// retransmit path, or a SYN+ACK re-sent for a duplicate SYN.
func (r *retransmitTimer) recordSend(seq seqnum.Value, now time.Time, retransmit bool) {
	r.sendTimes[seq] = rtoSample{sentAt: now, retransmitted: retransmit}
}

// ackUpTo removes every timer entry whose key lies in the half-open range
// [oldUna, ackn) and folds one RTT sample into SRTT for each entry that was
// not itself a retransmission.
func (r *retransmitTimer) ackUpTo(oldUna, ackn seqnum.Value, now time.Time) {
	size := oldUna.Size(ackn)
	for seq, sample := range r.sendTimes {
		if !seq.InWindow(oldUna, size) {
			continue
		}
		delete(r.sendTimes, seq)
		if sample.retransmitted {
			continue
		}
		r.sample(now.Sub(sample.sentAt))
	}
}

// sample folds one RTT observation into the smoothed estimate
func (r *retransmitTimer) sample(rtt time.Duration) {
	if rtt < 0 {
		return
	}
	r.srtt = time.Duration(srttAlpha*float64(r.srtt) + (1-srttAlpha)*float64(rtt))
}

// rto returns the current retransmit threshold: max(1s, 1.5*SRTT)
func (r *retransmitTimer) rto() time.Duration {
	threshold := time.Duration(1.5 * float64(r.srtt))
	if threshold < minRTO {
		return minRTO
	}
	return threshold
}

// earliestSendTime returns the send time of the timer entry closest to
// (at-or-after) una, which is the oldest outstanding segment's send time.
// It returns the zero time and false if no timers are outstanding.
func (r *retransmitTimer) earliestSendTime(una seqnum.Value) (time.Time, bool) {
	var (
		best    time.Time
		bestDist seqnum.Size
		found   bool
	)
	for seq, sample := range r.sendTimes {
		dist := una.Size(seq)
		if !found || dist < bestDist {
			best, bestDist, found = sample.sentAt, dist, true
		}
	}
	return best, found
}
