package internal

// JumpHash maps key to a bucket in [0, buckets) with Lamping and Veach's jump
// consistent hash (https://arxiv.org/abs/1406.2294): growing buckets by one
// moves only the keys landing in the new bucket. It returns 0 when buckets is
// not positive.
func JumpHash(key uint64, buckets int) int {
	if buckets <= 0 {
		return 0
	}

	bucket, next := int64(-1), int64(0)
	for next < int64(buckets) {
		bucket = next
		key = key*2862933555777941757 + 1
		next = int64(float64(bucket+1) * (float64(1<<31) / float64(key>>33+1)))
	}
	return int(bucket)
}
