// Package ir defines the action log model shared by every replica.
//
// It holds the structured Value types used for args and row patches, the
// RFC 8785 canonical JSON encoder every stored payload goes through, the
// ActionRecord and ActionModifiedRow entities, the Args tagged union, the
// OrderKey total order and batch validation.
//
// All other internal packages import ir; ir imports only hlc. Key
// constraints:
//   - NO float types anywhere; numbers are int64
//   - patches are full row images and never contain the audience key
//   - JSON tags use snake_case
package ir
