// Package outline rebuilds paragraph nesting from the flat paragraph list of a
// regulation section.
//
// eCFR XML does not nest paragraphs; depth is implied by the marker style:
//
//	(a) lower-alpha
//	  (1) arabic
//	    (i) lower-roman
//	      (A) upper-alpha
//	        (1) italic arabic
//	          (i) italic roman
//
// The Builder keeps a stack of open levels. A marker pops every level of
// equal or deeper rank and is pushed as a child of what remains. Markers that
// read as two classes, such as "(i)" or "(v)", continue an open level when
// they can; otherwise they start the class in which they are the first value,
// and fall back to lower-alpha.
//
// A line may open several levels at once, as in "(a)(1) text". Each marker
// becomes a paragraph and only the innermost receives the text.
package outline
