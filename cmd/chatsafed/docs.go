package main

// General API documentation for swaggo. The served document lives in
// package docs; build with -tags=swagger to serve it at
// /swagger/index.html.
//
// @title           chatsafe API
// @version         1.0
// @description     Loopback-only OpenAI-compatible chat-completions gateway in front of a local llama.cpp backend.
//
// @license.name   MIT
//
// @BasePath  /
//
// @schemes http
