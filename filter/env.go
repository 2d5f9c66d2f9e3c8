package filter

/*
Here the Env used in the stroke filters is defined.
Once this struct is fixed, it should not be changed, otherwise configured filters may not compile any more
(f.e. if properties are renamed etc.)
*/

type Env struct {
	RoomId     string
	UserId     string
	IsAdmin    bool
	IsPublic   bool
	Type       string
	Color      string
	Width      float64
	PointCount int
	TextLength int
	FontSize   float64
}
