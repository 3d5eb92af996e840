// Package shared holds cross-cutting helpers that belong to no single
// domain package.
//
// The testutil subpackage carries an in-memory slog capture handler for
// asserting on log output. The shared classification vectors live in
// license/licensetest, next to the policy they exercise.
package shared
