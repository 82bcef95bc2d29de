package redis

// Redis key naming conventions for easel data.
// All keys are prefixed with "easel:" to avoid collisions.

const keyPrefix = "easel:"

// jobKey returns the key for a job hash: easel:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// ownerKey returns the Set tracking an owner's job IDs: easel:owner:{owner}
func ownerKey(owner string) string { return keyPrefix + "owner:" + owner }

// jobIDsKey is the Set tracking all job IDs for enumeration.
const jobIDsKey = keyPrefix + "jobs"

// queuedKey is the Sorted Set of queued job IDs, scored by creation time.
const queuedKey = keyPrefix + "queued"

// processingKey is the Set of processing job IDs the watchdog scans.
const processingKey = keyPrefix + "processing"

// slotsKey holds the fleet-wide in-use slot count for the gate.
const slotsKey = keyPrefix + "slots"

// watchdogKey holds the watchdog scan lease.
const watchdogKey = keyPrefix + "watchdog"

// notifyChannel returns the pub/sub channel for an owner's events.
func notifyChannel(owner string) string { return keyPrefix + "notify:" + owner }
