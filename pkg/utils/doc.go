// Package utils holds small helpers shared across cachekit: slog setup,
// payload size estimation and formatting, and safe path handling for the
// on-disk stores.
package utils
