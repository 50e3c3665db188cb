// Package interp submits frame-interpolation jobs to a remote worker and
// tracks them until they reach a terminal state.
//
// Quick start:
//  1. Create a Client with NewClient(baseURL, ClientOptions{...}).
//  2. Submit a VideoRequest or FramesRequest with NewSubmitter(client, logger).Submit.
//  3. Hand the returned JobDescriptor to a Tracker (or use a Session, which does
//     both and keeps at most one job under observation).
//  4. Read Tracker.Job() or wait on Tracker.Done(); once the job is done use
//     Client.DownloadURL and Client.FramesArchiveURL for the results.
//
// A SQLStore can be plugged into the Tracker as a Recorder to journal every
// observation in a relational database.
package interp
