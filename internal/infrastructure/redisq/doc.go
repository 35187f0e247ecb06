// Package redisq publishes instrument change events to Redis.
//
// Each event is sent to a Pub/Sub channel for live consumers and pushed
// onto a per-instrument list that is trimmed to a fixed length, so a
// consumer that was offline can catch up on recent history.
//
// # Usage
//
//	q, err := redisq.Connect(cfg.Redis)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer q.Close()
//
//	err = q.Publish(ctx, "lockin", payload)
//	recent, err := q.Recent(ctx, "lockin", 10)
//
// # Keys
//
// The backup list for instrument key K lives at "instrumental:K:events".
package redisq
