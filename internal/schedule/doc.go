// Package schedule turns reminder fire times into minute-granularity
// schedule descriptors.
//
// # Granularity
//
// Normalize drops seconds, sub-second components and the year. Two fire
// times in the same calendar minute normalize to the same Descriptor, which
// callers use to skip redundant reschedules. Firing precision is therefore
// plus or minus one minute.
//
// # Recurrence
//
// A Descriptor is the cron expression "m h D M *": it matches the same
// minute every year. The job scheduler only ever runs it once, so the
// practical effect is that a fire time earlier in the current year than
// "now" fires on next year's anniversary, not immediately.
package schedule
