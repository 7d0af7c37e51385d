package stream

import "math"

// silenceGate reports whether the most recent windowSamples of buf end in
// silence: after high-pass filtering, the mean energy of the trailing
// tailSamples must not exceed threshold times the mean energy of the whole
// inspected window. Returns false while buf is shorter than windowSamples
// and always when the tail spans the whole window.
func silenceGate(buf []float32, windowSamples, tailSamples int, threshold, highPassHz float32, sampleRate int) bool {
	if len(buf) < windowSamples || windowSamples <= 0 || tailSamples <= 0 || tailSamples >= windowSamples {
		return false
	}
	recent := make([]float32, windowSamples)
	copy(recent, buf[len(buf)-windowSamples:])
	highPass(recent, highPassHz, sampleRate)

	energyAll := meanAbs(recent)
	energyTail := meanAbs(recent[windowSamples-tailSamples:])
	return energyTail <= threshold*energyAll
}

// highPass applies a one-pole high-pass filter in place, removing DC offset
// and low-frequency rumble before energy measurement.
func highPass(samples []float32, cutoffHz float32, sampleRate int) {
	if len(samples) == 0 || cutoffHz <= 0 || sampleRate <= 0 {
		return
	}
	rc := 1.0 / (2.0 * math.Pi * float64(cutoffHz))
	dt := 1.0 / float64(sampleRate)
	alpha := float32(dt / (rc + dt))

	prevIn := samples[0]
	prevOut := samples[0]
	for i := 1; i < len(samples); i++ {
		in := samples[i]
		out := alpha * (prevOut + in - prevIn)
		samples[i] = out
		prevIn = in
		prevOut = out
	}
}

func meanAbs(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		sum += math.Abs(float64(v))
	}
	return float32(sum / float64(len(samples)))
}
