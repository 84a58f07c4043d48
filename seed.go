package mixpower

import "math/rand/v2"

// TrialSeed derives the seed of trial t at breakpoint index b from base.
// Seeds depend only on their coordinates, so results do not depend on
// which worker runs which trial.
func TrialSeed(base uint64, b, t int) uint64 {
	s := splitmix64(base ^ 0x9e3779b97f4a7c15)
	s = splitmix64(s ^ uint64(b)<<32)
	return splitmix64(s ^ uint64(t))
}

// BreakpointSeed derives the extension seed of breakpoint index b.
func BreakpointSeed(base uint64, b int) uint64 {
	return splitmix64(splitmix64(base) ^ uint64(b+1)*0xbf58476d1ce4e5b9)
}

func splitmix64(x uint64) uint64 {
	x += 0x9e3779b97f4a7c15
	x = (x ^ (x >> 30)) * 0xbf58476d1ce4e5b9
	x = (x ^ (x >> 27)) * 0x94d049bb133111eb
	return x ^ (x >> 31)
}

// trialStream is the PCG stream for trial simulations.
const trialStream = 0x747269616c

func newTrialRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, trialStream))
}
