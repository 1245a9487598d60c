// Package datafile keeps the data files behind elements up to date.
//
// An UpdateService polls each registered DataFile URL on its own schedule,
// verifies and decompresses downloads, swaps them over the live file with a
// rename and asks the owning element to refresh. It can also watch the live
// file and refresh when something else replaces it.
package datafile
