/*
Copyright 2022-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

// Wrap returns a channel which delivers values received on inputCh, dropping
// any value that is superseded before the reader takes it.  Sends on inputCh
// therefore never wait for the reader.  Closing inputCh closes the returned
// channel; a value not yet read at that point is dropped.
func Wrap[T any](inputCh <-chan T) <-chan T {
	outputCh := make(chan T)
	go pipe(inputCh, outputCh)
	return outputCh
}

func pipe[T any](inputCh <-chan T, outputCh chan<- T) {
	defer close(outputCh)

	var latest T

	// nil while there is nothing to deliver, which disables that case
	var sendCh chan<- T

	for {
		select {
		case v, ok := <-inputCh:
			if !ok {
				return
			}
			latest = v
			sendCh = outputCh
		case sendCh <- latest:
			sendCh = nil
		}
	}
}
