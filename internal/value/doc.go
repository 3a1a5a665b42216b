// Package value defines the data model for action input and output.
//
// Values form a sealed tree (Null, String, Int, Bool, Array, Object, Ref).
// A Ref is an output reference: a placeholder in one action's input that
// names another action's output. Planning scans inputs with Refs to build
// the dependency graph; execution replaces them with Resolve once the
// referenced step has succeeded.
//
// MarshalCanonical is the only encoding used for persistence so identical
// payloads always produce identical bytes.
package value
