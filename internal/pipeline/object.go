package pipeline

// DataObject is what stages produce and consume
type DataObject interface {
	// Modified marks the object as changed
	Modified()

	// MTime returns the clock value of the last modification
	MTime() uint64

	// DataHasBeenGenerated is fired once a producer has finished writing
	DataHasBeenGenerated()
}

// Object implements the time-stamp half of DataObject. Types embed it and
// shadow DataHasBeenGenerated or Modified to extend the protocol.
type Object struct {
	mtime      TimeStamp
	updateTime TimeStamp
	released   bool
}

// Modified advances the modification time
func (o *Object) Modified() {
	o.mtime.Modified()
}

// MTime returns the modification time
func (o *Object) MTime() uint64 {
	return o.mtime.Time()
}

// UpdateMTime returns the time the data was last generated
func (o *Object) UpdateMTime() uint64 {
	return o.updateTime.Time()
}

// DataHasBeenGenerated marks the data valid, modified, and freshly generated
func (o *Object) DataHasBeenGenerated() {
	o.released = false
	o.Modified()
	o.updateTime.Modified()
}

// ReleaseData flags the data as released so the producing stage reruns
func (o *Object) ReleaseData() {
	o.released = true
}

// DataReleased reports whether the data has been released
func (o *Object) DataReleased() bool {
	return o.released
}
