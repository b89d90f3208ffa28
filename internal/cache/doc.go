// Package cache holds latest-value handlers.
//
// LatestCache keeps the most recent merged tick per instrument in memory.
// RedisMirror writes the same view to redis hashes so other processes can read it.
package cache
