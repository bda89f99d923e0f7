package protocol

// This package implements parsing and serialising for the beanstalkd work
// queue protocol, from both the client's and the server's side.
//
// - `Command` - A client instruction to the server (`put`, `reserve`, ...).
// - `Request` - A command as read by the server, including the put body.
// - `Response` - A status line from the server, plus a body for some statuses.
// - `Framer` - Turns a raw byte stream into ordered Responses, across reads.
//
// === General Syntax
//
// - lines are `\r\n` delimited
// - tokens on a line are separated by a single space
// - commands are lower case, status words are upper case
// - bodies are raw bytes, prefixed by their length on the line before them
//   and followed by `\r\n`. They may contain `\r\n` themselves.
//
// There are no request IDs. The server answers commands in the order it reads
// them, so a client that pipelines commands must match replies to commands
// strictly first in, first out.
//
// === Bodies
//
// Only three status words are followed by a body:
//
//   ```
//   RESERVED <id> <bytes>\r\n<body>\r\n
//   FOUND <id> <bytes>\r\n<body>\r\n
//   OK <bytes>\r\n<body>\r\n
//   ```
//
// The length token is consumed by the Framer. The Response for RESERVED and
// FOUND keeps the id as its only field, OK keeps no fields.
//
// Bodies of OK replies to the stats and list commands are YAML documents, see
// stats.go.
//
// === put
//
//  ```
//    > put <pri> <delay> <ttr> <bytes>\r\n
//    > <body>\r\n
//    < INSERTED <id>\r\n
//  ```
//
// === reserve
//
//  ```
//    > reserve-with-timeout <seconds>\r\n
//    < RESERVED <id> <bytes>\r\n
//    < <body>\r\n
//  ```
//
// or `TIMED_OUT\r\n` when nothing became ready in time.
//
// Note: a status word the Framer does not know is assumed to carry no body.
// Should a server ever send a body after an unknown status word the stream
// would desync silently, the Framer has no way to tell.
