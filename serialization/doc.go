// Package serialization implements the postbox wire format.
//
// Every letter travels as one length-prefixed frame. Encode and Decode convert
// between letters and frames, the Assembler rebuilds frames from a TCP byte
// stream that may be fragmented anywhere, and PackBatch/UnpackBatch nest
// independently serialized letters inside a single batch letter.
package serialization
